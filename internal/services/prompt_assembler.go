// internal/services/prompt_assembler.go
package services

import (
	"unicode/utf8"

	"github.com/Corphon/MiniChat/internal/models"
)

// 提示词组装默认值
const (
	DefaultHistoryCount        = 30
	MinHistoryCount            = 10
	MaxHistoryCount            = 20
	DefaultExampleCharLimit    = 1500
	DefaultMaxExampleDialogues = 4
	DefaultTotalCharLimit      = 6000
)

// ContinuationNudge 用户发送空消息时追加的续写指令
const ContinuationNudge = "The user said nothing. Do not repeat the same scene; move the story forward to the next stage. " +
	"Only summarize what was already written and add a new event."

// BuildOptions 组装参数，零值字段使用默认值
type BuildOptions struct {
	HistoryCount        int
	ExampleCharLimit    int
	MaxExampleDialogues int
	TotalCharLimit      int
	// Continuation 非空时作为最新一条用户消息追加
	Continuation string
}

func (o BuildOptions) withDefaults() BuildOptions {
	if o.HistoryCount <= 0 {
		o.HistoryCount = DefaultHistoryCount
	}
	if o.ExampleCharLimit <= 0 {
		o.ExampleCharLimit = DefaultExampleCharLimit
	}
	if o.MaxExampleDialogues <= 0 {
		o.MaxExampleDialogues = DefaultMaxExampleDialogues
	}
	if o.TotalCharLimit <= 0 {
		o.TotalCharLimit = DefaultTotalCharLimit
	}
	return o
}

// historyWindow 请求条数被限制在 [MinHistoryCount, MaxHistoryCount]
func historyWindow(requested int) int {
	n := requested
	if n > MaxHistoryCount {
		n = MaxHistoryCount
	}
	if n < MinHistoryCount {
		n = MinHistoryCount
	}
	return n
}

// PromptAssembler 把角色、示例对话和最近的对话记录组装成有长度上限的提示词
type PromptAssembler struct{}

// NewPromptAssembler 创建组装器
func NewPromptAssembler() *PromptAssembler {
	return &PromptAssembler{}
}

// entryCost 内容字符数加角色名长度
func entryCost(m models.ChatMessage) int {
	return utf8.RuneCountInString(m.Content) + len(m.Role)
}

// Build 组装提示词，输出顺序为 system、示例、对话。
//
// 超出 TotalCharLimit 时：system 放得下才保留；示例按顺序保留到第一条放不下
// 的为止；对话从最新往回保留到第一条放不下的为止，再恢复时间顺序。
func (a *PromptAssembler) Build(transcript []*models.Message, character *models.Character, opts BuildOptions) []models.ChatMessage {
	opts = opts.withDefaults()

	var system *models.ChatMessage
	var examples []models.ChatMessage
	if character != nil {
		if sys := BuildSystemPrompt(character); sys != "" {
			system = &models.ChatMessage{Role: models.ChatRoleSystem, Content: sys}
		}
		examples = BuildExampleMessages(character, opts.ExampleCharLimit, opts.MaxExampleDialogues)
	}

	window := historyWindow(opts.HistoryCount)
	start := len(transcript) - window
	if start < 0 {
		start = 0
	}
	convo := make([]models.ChatMessage, 0, len(transcript)-start+1)
	for _, m := range transcript[start:] {
		role := models.ChatRoleAssistant
		if m.Role == models.RoleUser {
			role = models.ChatRoleUser
		}
		convo = append(convo, models.ChatMessage{Role: role, Content: m.Text()})
	}
	if opts.Continuation != "" {
		convo = append(convo, models.ChatMessage{Role: models.ChatRoleUser, Content: opts.Continuation})
	}

	total := 0
	fits := func(m models.ChatMessage) bool {
		cost := entryCost(m)
		if total+cost > opts.TotalCharLimit {
			return false
		}
		total += cost
		return true
	}

	out := make([]models.ChatMessage, 0, 1+len(examples)+len(convo))
	if system != nil && fits(*system) {
		out = append(out, *system)
	}
	for _, ex := range examples {
		if !fits(ex) {
			break
		}
		out = append(out, ex)
	}

	keep := len(convo)
	for i := len(convo) - 1; i >= 0; i-- {
		if !fits(convo[i]) {
			break
		}
		keep = i
	}
	return append(out, convo[keep:]...)
}
