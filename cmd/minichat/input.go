// cmd/minichat/input.go
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"
)

// lineInput 提供一行用户输入；输入结束时返回 io.EOF
type lineInput interface {
	Prompt(prompt string) (string, error)
}

// scannerInput 从任意 io.Reader 逐行读取（管道或测试）
type scannerInput struct {
	scanner *bufio.Scanner
	out     io.Writer
}

func newScannerInput(in io.Reader, out io.Writer) *scannerInput {
	return &scannerInput{scanner: bufio.NewScanner(in), out: out}
}

func (s *scannerInput) Prompt(prompt string) (string, error) {
	fmt.Fprint(s.out, prompt)
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return s.scanner.Text(), nil
}

// linerInput 终端输入，支持行编辑和历史记录
type linerInput struct {
	line        *liner.State
	historyFile string
}

func newLinerInput(historyFile string) *linerInput {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	in := &linerInput{line: line, historyFile: historyFile}
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	return in
}

func (l *linerInput) Prompt(prompt string) (string, error) {
	input, err := l.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		l.line.AppendHistory(input)
	}
	return input, nil
}

// Close 保存历史记录并恢复终端状态
func (l *linerInput) Close() {
	if l.historyFile != "" {
		if f, err := os.OpenFile(l.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			l.line.WriteHistory(f)
			f.Close()
		}
	}
	l.line.Close()
}
