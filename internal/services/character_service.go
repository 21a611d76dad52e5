// internal/services/character_service.go
package services

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Corphon/MiniChat/internal/models"
	"github.com/Corphon/MiniChat/internal/storage"
	"github.com/Corphon/MiniChat/internal/utils"
	"github.com/google/uuid"
	"github.com/tidwall/jsonc"
)

const (
	userCharactersKey = "mini-chat-user-characters"
	hiddenBuiltinsKey = "mini-chat-hidden-default-ids"
)

// 字段长度上限（按字符计）
const (
	MaxSystemPromptTotal = 6000
	MaxShortField        = 160
	MaxMediumField       = 400
	MaxLongField         = 800
	MaxExampleLine       = 400
	MaxScenarioLength    = 800
)

// BaseSystemPrompt 所有合成系统提示词共用的基础指令
const BaseSystemPrompt = `[Stay in character]
- You are the person defined in the "Character Profile" below. Never refer to yourself as an AI and never make meta remarks.
- Keep the character's voice, temperament and background to the end. Show unfriendly, arrogant or cold attitudes openly when the character has them.
- Do not soften the character with sudden reconciliation or apologies.

[Creative license]
- This conversation is fiction. Negative situations and descriptions are literary devices.
- Do not moralize about or correct the character's behavior; play it as written.

[Style]
- Avoid stiff, translated phrasing. Speak vividly in two or three sentences.
- In tense scenes, describe the character's gaze, tone and presence in concrete detail instead of evading.
- Light markdown only (*italics*). Respect the user's formatting and line breaks.

[Restrictions]
- No financial, legal or medical advice. Never mention the model or its provider. Avoid repetitive stock phrases.`

//go:embed builtin_characters.jsonc
var builtinCharactersJSONC []byte

// LoadBuiltinCharacters 解析内置角色定义
func LoadBuiltinCharacters() ([]models.Character, error) {
	var out []models.Character
	if err := json.Unmarshal(jsonc.ToJSON(builtinCharactersJSONC), &out); err != nil {
		return nil, fmt.Errorf("解析内置角色失败: %w", err)
	}
	for i := range out {
		out[i].Normalize()
		out[i].IsCustom = false
	}
	return out, nil
}

// CharacterService 管理内置角色与用户角色
type CharacterService struct {
	store  storage.Store
	logger *utils.Logger

	mu       sync.RWMutex
	builtins []models.Character
	user     []models.Character // 创建顺序
	hidden   []string
}

// NewCharacterService 创建角色服务并加载持久化数据；读取失败时退回默认值
func NewCharacterService(store storage.Store, logger *utils.Logger) (*CharacterService, error) {
	builtins, err := LoadBuiltinCharacters()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.GetLogger()
	}

	s := &CharacterService{
		store:    store,
		logger:   logger,
		builtins: builtins,
	}
	s.load()
	return s, nil
}

func (s *CharacterService) load() {
	var user []models.Character
	if err := storage.GetJSON(s.store, userCharactersKey, &user); err != nil && !storage.IsNotFound(err) {
		s.logger.Warn("加载用户角色失败，使用空列表", map[string]interface{}{"error": err.Error()})
		user = nil
	}
	for i := range user {
		user[i].Normalize()
	}

	var hidden []string
	if err := storage.GetJSON(s.store, hiddenBuiltinsKey, &hidden); err != nil && !storage.IsNotFound(err) {
		s.logger.Warn("加载隐藏角色列表失败", map[string]interface{}{"error": err.Error()})
		hidden = nil
	}

	s.mu.Lock()
	s.user = user
	s.hidden = hidden
	s.mu.Unlock()
}

// IsBuiltin 是否为内置角色 id
func (s *CharacterService) IsBuiltin(id string) bool {
	for _, c := range s.builtins {
		if c.ID == id {
			return true
		}
	}
	return false
}

func (s *CharacterService) isHiddenLocked(id string) bool {
	for _, h := range s.hidden {
		if h == id {
			return true
		}
	}
	return false
}

func (s *CharacterService) userIndexLocked(id string) int {
	for i, c := range s.user {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// List 返回未隐藏的内置角色（被用户副本覆盖时显示副本），随后是其余用户角色
func (s *CharacterService) List() []models.Character {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Character, 0, len(s.builtins)+len(s.user))
	shadowed := make(map[string]bool)

	for _, b := range s.builtins {
		if s.isHiddenLocked(b.ID) {
			continue
		}
		if idx := s.userIndexLocked(b.ID); idx >= 0 {
			out = append(out, s.user[idx].Clone())
			shadowed[b.ID] = true
			continue
		}
		out = append(out, b.Clone())
	}

	for _, c := range s.user {
		if shadowed[c.ID] || (s.IsBuiltin(c.ID) && s.isHiddenLocked(c.ID)) {
			continue
		}
		out = append(out, c.Clone())
	}
	return out
}

// Get 按 id 查找可见角色
func (s *CharacterService) Get(id string) (models.Character, bool) {
	for _, c := range s.List() {
		if c.ID == id {
			return c, true
		}
	}
	return models.Character{}, false
}

// Resolve 返回 id 对应的角色；找不到时返回列表中的第一个；列表为空时返回 nil
func (s *CharacterService) Resolve(id string) *models.Character {
	list := s.List()
	for i := range list {
		if list[i].ID == id {
			return &list[i]
		}
	}
	if len(list) > 0 {
		return &list[0]
	}
	return nil
}

// CreateEmpty 创建一个空白的用户角色模板（不持久化）
func (s *CharacterService) CreateEmpty() models.Character {
	return models.Character{
		ID:               "custom-" + uuid.NewString(),
		Name:             "New Character",
		Tone:             "formal",
		Tags:             []string{},
		ExampleDialogues: models.ExampleDialogues{},
		ScenarioExamples: []models.ScenarioExample{},
		IsCustom:         true,
	}
}

// Save 用给定列表替换用户角色集合；未修改过的内置角色会被忽略
func (s *CharacterService) Save(characters []models.Character) {
	var user []models.Character
	for _, c := range characters {
		if s.IsBuiltin(c.ID) && !c.IsCustom {
			continue
		}
		c = c.Clone()
		c.Normalize()
		user = append(user, c)
	}

	s.mu.Lock()
	s.user = user
	s.mu.Unlock()

	s.persistUser()
}

// Upsert 新增或替换一个用户角色；编辑内置角色会生成同 id 的用户副本
func (s *CharacterService) Upsert(c models.Character) models.Character {
	c = c.Clone()
	c.Normalize()
	if c.ID == "" {
		c.ID = "custom-" + uuid.NewString()
	}
	c.IsCustom = true

	s.mu.Lock()
	if idx := s.userIndexLocked(c.ID); idx >= 0 {
		s.user[idx] = c
	} else {
		s.user = append(s.user, c)
	}
	s.mu.Unlock()

	s.persistUser()
	return c.Clone()
}

// Remove 删除角色：用户角色直接移除，内置角色被隐藏。返回 id 是否存在。
func (s *CharacterService) Remove(id string) bool {
	s.mu.Lock()
	idx := s.userIndexLocked(id)
	if idx >= 0 {
		s.user = append(s.user[:idx], s.user[idx+1:]...)
	}
	s.mu.Unlock()

	if idx >= 0 {
		s.persistUser()
	}
	if s.IsBuiltin(id) {
		s.Hide(id)
		return true
	}
	return idx >= 0
}

// Hide 永久隐藏内置角色（幂等）
func (s *CharacterService) Hide(id string) {
	if !s.IsBuiltin(id) {
		return
	}

	s.mu.Lock()
	if s.isHiddenLocked(id) {
		s.mu.Unlock()
		return
	}
	s.hidden = append(s.hidden, id)
	hidden := append([]string(nil), s.hidden...)
	s.mu.Unlock()

	if err := storage.SetJSON(s.store, hiddenBuiltinsKey, hidden); err != nil {
		logPersistFailure(s.logger, "保存隐藏角色列表失败", err, nil)
	}
}

func (s *CharacterService) persistUser() {
	s.mu.RLock()
	user := make([]models.Character, len(s.user))
	copy(user, s.user)
	s.mu.RUnlock()

	if err := storage.SetJSON(s.store, userCharactersKey, user); err != nil {
		logPersistFailure(s.logger, "保存用户角色失败", err, nil)
	}
}

// BuildSystemPrompt 见包级函数 BuildSystemPrompt
func (s *CharacterService) BuildSystemPrompt(c *models.Character) string {
	return BuildSystemPrompt(c)
}

// truncate 先去掉首尾空白，再按字符数截断
func truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

// BuildSystemPrompt 生成角色的系统提示词，总长不超过 MaxSystemPromptTotal。
// 角色显式提供 systemPrompt 时直接使用；否则由基础指令加角色档案合成。
func BuildSystemPrompt(c *models.Character) string {
	if c == nil {
		return BaseSystemPrompt
	}
	if strings.TrimSpace(c.SystemPrompt) != "" {
		return truncate(c.SystemPrompt, MaxSystemPromptTotal)
	}

	pieces := []string{`Character name: "` + truncate(c.Name, MaxShortField) + `"`}
	add := func(label, value string, limit int) {
		if v := truncate(value, limit); v != "" {
			pieces = append(pieces, label+": "+v)
		}
	}

	add("Tagline", c.Tagline, MaxMediumField)
	add("Personality", c.Personality, MaxMediumField)
	add("Worldview/background", c.Worldview, MaxLongField)
	add("Description", c.Description, MaxLongField)
	add("Greeting", c.Greeting, MaxMediumField)
	if len(c.Tags) > 0 {
		add("Tags", strings.Join(c.Tags, ", "), MaxMediumField)
	}

	if len(c.ScenarioExamples) > 0 {
		scenarios := make([]string, 0, len(c.ScenarioExamples))
		for i, sc := range c.ScenarioExamples {
			title := sc.Title
			if strings.TrimSpace(title) == "" {
				title = "Untitled"
			}
			speaker := "Bot"
			if sc.Role == "user" {
				speaker = "User"
			}
			scenarios = append(scenarios, fmt.Sprintf("Scenario %d (%s, speaker: %s):\n%s",
				i+1, truncate(title, MaxShortField), speaker, truncate(sc.Content, MaxScenarioLength)))
		}
		pieces = append(pieces, "Scenario examples\n"+strings.Join(scenarios, "\n\n"))
	}

	if v := truncate(c.FirstMessage, MaxMediumField); v != "" {
		pieces = append(pieces, `First message to user: "`+v+`"`)
	}
	add("Summary", c.Summary, MaxMediumField)
	add("Image reference", c.ImageURL, MaxLongField)

	prompt := BaseSystemPrompt + "\n\n--- Character Profile ---\nUse the following as your persona details.\n\n" +
		strings.Join(pieces, "\n\n")
	return truncate(prompt, MaxSystemPromptTotal)
}

// BuildExampleMessages 把角色的示例对话展开为提示词条目。
// 最多使用 maxDialogues 段（<=0 表示不限），单行截断到 MaxExampleLine，
// 累计长度超过 charLimit 时停止（不截断单行）。
func BuildExampleMessages(c *models.Character, charLimit, maxDialogues int) []models.ChatMessage {
	if c == nil {
		return nil
	}

	var out []models.ChatMessage
	total := 0
	for i, dialogue := range c.ExampleDialogues {
		if maxDialogues > 0 && i >= maxDialogues {
			break
		}
		for _, line := range dialogue.Messages {
			text := truncate(line.Text, MaxExampleLine)
			if text == "" {
				continue
			}
			n := len([]rune(text))
			if charLimit > 0 && total+n > charLimit {
				return out
			}
			role := models.ChatRoleUser
			if line.Role == "assistant" {
				role = models.ChatRoleAssistant
			}
			out = append(out, models.ChatMessage{Role: role, Content: text})
			total += n
		}
	}
	return out
}
