// internal/models/message.go
package models

import (
	"encoding/json"
	"time"
)

// Role 对话记录中的消息角色
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// Message 对话记录中的一条消息。
//
// 用户消息只有一段文本；机器人消息持有全部候选回复 (variants) 以及当前
// 选中的下标，Text() 始终返回 variants[variantIndex]。字段不导出，所有
// 修改都经过下面的方法，保证下标合法。
type Message struct {
	ID        string
	Role      Role
	CreatedAt time.Time

	text         string   // 用户消息
	variants     []string // 机器人消息
	variantIndex int
}

// NewUserMessage 创建用户消息
func NewUserMessage(id, text string, at time.Time) *Message {
	return &Message{ID: id, Role: RoleUser, CreatedAt: at, text: text}
}

// NewBotMessage 创建只有一个候选回复的机器人消息
func NewBotMessage(id, text string, at time.Time) *Message {
	return &Message{ID: id, Role: RoleBot, CreatedAt: at, variants: []string{text}}
}

// IsBot 是否为机器人消息
func (m *Message) IsBot() bool {
	return m.Role == RoleBot
}

// Text 当前显示的文本
func (m *Message) Text() string {
	if m.IsBot() {
		return m.variants[m.variantIndex]
	}
	return m.text
}

// SetText 替换当前文本；机器人消息替换的是当前选中的候选回复
func (m *Message) SetText(text string) {
	if m.IsBot() {
		m.variants[m.variantIndex] = text
		return
	}
	m.text = text
}

// Variants 候选回复副本（用户消息返回 nil）
func (m *Message) Variants() []string {
	if !m.IsBot() {
		return nil
	}
	return append([]string(nil), m.variants...)
}

// VariantIndex 当前候选回复下标
func (m *Message) VariantIndex() int {
	return m.variantIndex
}

// AddVariant 追加一个候选回复并将其设为当前回复。用户消息返回 false。
func (m *Message) AddVariant(text string) bool {
	if !m.IsBot() {
		return false
	}
	m.variants = append(m.variants, text)
	m.variantIndex = len(m.variants) - 1
	return true
}

// StepVariant 按 delta 移动当前下标，越界时不变并返回 false
func (m *Message) StepVariant(delta int) bool {
	if !m.IsBot() {
		return false
	}
	next := m.variantIndex + delta
	if next < 0 || next >= len(m.variants) {
		return false
	}
	m.variantIndex = next
	return true
}

// VariantMeta 当前候选回复的位置信息
func (m *Message) VariantMeta() VariantMeta {
	if !m.IsBot() {
		return VariantMeta{MessageID: m.ID}
	}
	total := len(m.variants)
	return VariantMeta{
		MessageID: m.ID,
		Index:     m.variantIndex,
		Total:     total,
		HasPrev:   m.variantIndex > 0,
		HasNext:   m.variantIndex < total-1,
	}
}

// Clone 深拷贝
func (m *Message) Clone() *Message {
	out := *m
	out.variants = append([]string(nil), m.variants...)
	return &out
}

// VariantMeta 最新机器人消息的候选回复状态
type VariantMeta struct {
	MessageID string `json:"messageId"`
	Index     int    `json:"index"`
	Total     int    `json:"total"`
	HasPrev   bool   `json:"hasPrev"`
	HasNext   bool   `json:"hasNext"`
}

// messageJSON 持久化格式
type messageJSON struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role"`
	Text         string    `json:"text"`
	CreatedAt    time.Time `json:"createdAt"`
	Variants     []string  `json:"variants,omitempty"`
	VariantIndex *int      `json:"variantIndex,omitempty"`
}

// MarshalJSON 输出 text 字段便于其他客户端直接读取
func (m *Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{
		ID:        m.ID,
		Role:      m.Role,
		Text:      m.Text(),
		CreatedAt: m.CreatedAt,
	}
	if m.IsBot() {
		idx := m.variantIndex
		out.Variants = m.variants
		out.VariantIndex = &idx
	}
	return json.Marshal(out)
}

// UnmarshalJSON 读取时修复旧格式：缺少 variants 的机器人消息以 text 作为唯一
// 候选回复，下标非法时指向最后一个候选回复
func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	m.ID = in.ID
	m.CreatedAt = in.CreatedAt
	m.text = ""
	m.variants = nil
	m.variantIndex = 0

	if in.Role != RoleUser {
		m.Role = RoleBot
		m.variants = in.Variants
		if len(m.variants) == 0 {
			m.variants = []string{in.Text}
		}
		m.variantIndex = len(m.variants) - 1
		if in.VariantIndex != nil && *in.VariantIndex >= 0 && *in.VariantIndex < len(m.variants) {
			m.variantIndex = *in.VariantIndex
		}
		return nil
	}

	m.Role = RoleUser
	m.text = in.Text
	return nil
}
