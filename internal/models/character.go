// internal/models/character.go
package models

import (
	"encoding/json"
	"strings"
)

// Character 角色/人设定义
type Character struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Tagline          string            `json:"tagline"`
	Tone             string            `json:"tone,omitempty"`
	SystemPrompt     string            `json:"systemPrompt,omitempty"`
	Personality      string            `json:"personality"`
	Greeting         string            `json:"greeting"`
	Worldview        string            `json:"worldview"`
	Description      string            `json:"description"`
	Tags             []string          `json:"tags"`
	ExampleDialogues ExampleDialogues  `json:"exampleDialogues"`
	ScenarioExamples []ScenarioExample `json:"scenarioExamples"`
	FirstMessage     string            `json:"firstMessage"`
	ImageURL         string            `json:"imageUrl"`
	Summary          string            `json:"summary,omitempty"`
	IsCustom         bool              `json:"isCustom"`
}

// DialogueLine 示例对话中的一行
type DialogueLine struct {
	Role string `json:"role"` // user | assistant
	Text string `json:"text"`
}

// ExampleDialogue 一段示例对话
type ExampleDialogue struct {
	Messages []DialogueLine `json:"messages"`
}

// ScenarioExample 场景示例
type ScenarioExample struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Role    string `json:"role"` // user | bot
}

// ExampleDialogues 在解码时兼容三种历史格式：
//
//	[{"messages":[{"role":"user","text":"..."}]}]
//	[{"user":"...","assistant":"..."}]
//	[{"role":"user","text":"..."}]
type ExampleDialogues []ExampleDialogue

// UnmarshalJSON 统一为 messages 格式
func (d *ExampleDialogues) UnmarshalJSON(data []byte) error {
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// null 或非数组按空处理
		*d = nil
		return nil
	}

	var out ExampleDialogues
	var flat []DialogueLine

	for _, item := range raw {
		if msgs, ok := item["messages"]; ok {
			var lines []DialogueLine
			if err := json.Unmarshal(msgs, &lines); err == nil {
				if normalized := normalizeLines(lines); len(normalized) > 0 {
					out = append(out, ExampleDialogue{Messages: normalized})
				}
			}
			continue
		}

		_, hasUser := item["user"]
		_, hasAssistant := item["assistant"]
		if hasUser || hasAssistant {
			lines := []DialogueLine{
				{Role: "user", Text: rawString(item["user"])},
				{Role: "assistant", Text: rawString(item["assistant"])},
			}
			if normalized := normalizeLines(lines); len(normalized) > 0 {
				out = append(out, ExampleDialogue{Messages: normalized})
			}
			continue
		}

		if _, ok := item["text"]; ok {
			flat = append(flat, DialogueLine{Role: rawString(item["role"]), Text: rawString(item["text"])})
		}
	}

	if normalized := normalizeLines(flat); len(normalized) > 0 {
		out = append(out, ExampleDialogue{Messages: normalized})
	}

	*d = out
	return nil
}

func rawString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// normalizeLines 去掉空行，角色统一为 user / assistant
func normalizeLines(lines []DialogueLine) []DialogueLine {
	var out []DialogueLine
	for _, line := range lines {
		text := strings.TrimSpace(line.Text)
		if text == "" {
			continue
		}
		role := "assistant"
		if line.Role == "user" {
			role = "user"
		}
		out = append(out, DialogueLine{Role: role, Text: text})
	}
	return out
}

// Normalize 规范化从存储或请求中读入的用户角色
func (c *Character) Normalize() {
	c.ID = strings.TrimSpace(c.ID)
	if c.Tone == "" {
		c.Tone = "formal"
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	for i := range c.ScenarioExamples {
		if c.ScenarioExamples[i].Role != "bot" {
			c.ScenarioExamples[i].Role = "user"
		}
	}
}

// Clone 深拷贝
func (c Character) Clone() Character {
	out := c
	out.Tags = append([]string(nil), c.Tags...)
	out.ScenarioExamples = append([]ScenarioExample(nil), c.ScenarioExamples...)
	if c.ExampleDialogues != nil {
		out.ExampleDialogues = make(ExampleDialogues, len(c.ExampleDialogues))
		for i, d := range c.ExampleDialogues {
			out.ExampleDialogues[i] = ExampleDialogue{Messages: append([]DialogueLine(nil), d.Messages...)}
		}
	}
	return out
}
