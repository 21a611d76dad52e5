// internal/models/context.go
package models

// Selection 进程内唯一的当前选择：角色、情境与用户人设
type Selection struct {
	CharacterID string `json:"characterId"`
	Situation   string `json:"situation"`
	UserPersona string `json:"userPersona"`
}

// ChatRole 发送给补全服务的消息角色
type ChatRole string

const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage 组装后的提示词条目
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}
