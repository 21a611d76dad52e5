// internal/services/typewriter.go
package services

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// 逐字显示参数
const (
	DefaultRevealDelay = 16 * time.Millisecond
	renderInterval     = 50 * time.Millisecond
)

// revealChunkSize 按回复长度选择每帧追加的字符数
func revealChunkSize(n int) int {
	switch {
	case n > 1200:
		return 48
	case n > 600:
		return 32
	default:
		return 16
	}
}

// Typewriter 把回复文本分帧写入机器人消息。中间帧只改内存，
// 最后一帧总是持久化完整文本。
type Typewriter struct {
	transcript *TranscriptService
	delay      time.Duration
	render     func()
}

// NewTypewriter 创建逐字显示器；delay 为 0 时直接写入完整文本
func NewTypewriter(transcript *TranscriptService, delay time.Duration, render func()) *Typewriter {
	if render == nil {
		render = func() {}
	}
	if delay < 0 {
		delay = 0
	}
	return &Typewriter{transcript: transcript, delay: delay, render: render}
}

// Reveal 显示 text。ctx 取消时停止动画，但仍写入完整文本。
func (t *Typewriter) Reveal(ctx context.Context, messageID, text string) {
	if text == "" || t.delay == 0 {
		t.transcript.UpdateText(messageID, text, false)
		t.render()
		t.transcript.Overwrite(messageID, text)
		return
	}

	runes := []rune(text)
	chunk := revealChunkSize(len(runes))
	limiter := rate.NewLimiter(rate.Every(renderInterval), 1)
	timer := time.NewTimer(t.delay)
	defer timer.Stop()

frames:
	for i := 0; i < len(runes); i += chunk {
		end := i + chunk
		if end > len(runes) {
			end = len(runes)
		}
		t.transcript.UpdateText(messageID, string(runes[:end]), false)
		if limiter.Allow() {
			t.render()
		}

		timer.Reset(t.delay)
		select {
		case <-ctx.Done():
			break frames
		case <-timer.C:
		}
	}

	t.render()
	t.transcript.Overwrite(messageID, text)
}
