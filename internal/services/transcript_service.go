// internal/services/transcript_service.go
package services

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Corphon/MiniChat/internal/errors"
	"github.com/Corphon/MiniChat/internal/models"
	"github.com/Corphon/MiniChat/internal/storage"
	"github.com/Corphon/MiniChat/internal/utils"
	"github.com/google/uuid"
)

const transcriptKeyPrefix = "mini-chat-messages-"

// TranscriptKey 角色对话记录的存储键
func TranscriptKey(characterID string) string {
	if characterID == "" {
		characterID = "default"
	}
	return transcriptKeyPrefix + characterID
}

// StepResult 切换候选回复的结果
type StepResult struct {
	Changed bool   `json:"changed"`
	Index   int    `json:"index"`
	Total   int    `json:"total"`
	Text    string `json:"text,omitempty"`
}

// TranscriptService 当前角色的对话记录。除 UpdateText(..., false) 外，
// 每次修改都在返回前同步写入存储；写入失败只记录日志。
type TranscriptService struct {
	store  storage.Store
	logger *utils.Logger
	now    func() time.Time

	mu          sync.Mutex
	characterID string
	messages    []*models.Message

	listenerMu sync.RWMutex
	listeners  map[int]func()
	nextID     int
}

// NewTranscriptService 创建对话记录服务
func NewTranscriptService(store storage.Store, logger *utils.Logger) *TranscriptService {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &TranscriptService{
		store:     store,
		logger:    logger,
		now:       time.Now,
		listeners: make(map[int]func()),
	}
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Load 用 characterID 的持久化记录替换内存中的记录
func (s *TranscriptService) Load(characterID string) {
	var loaded []*models.Message
	if err := storage.GetJSON(s.store, TranscriptKey(characterID), &loaded); err != nil && !storage.IsNotFound(err) {
		s.logger.Warn("加载对话记录失败，使用空记录", map[string]interface{}{
			"character_id": characterID,
			"error":        err.Error(),
		})
		loaded = nil
	}

	// 跳过损坏的空条目
	msgs := loaded[:0]
	for _, m := range loaded {
		if m != nil {
			msgs = append(msgs, m)
		}
	}

	s.mu.Lock()
	s.characterID = characterID
	s.messages = msgs
	s.mu.Unlock()

	s.changed()
}

// CharacterID 当前记录所属的角色
func (s *TranscriptService) CharacterID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.characterID
}

// Messages 返回记录快照
func (s *TranscriptService) Messages() []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages)
}

// Len 消息条数
func (s *TranscriptService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func cloneMessages(in []*models.Message) []*models.Message {
	out := make([]*models.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

// Append 追加一条消息
func (s *TranscriptService) Append(role models.Role, text string) *models.Message {
	var m *models.Message
	if role == models.RoleUser {
		m = models.NewUserMessage(newMessageID(), text, s.now())
	} else {
		m = models.NewBotMessage(newMessageID(), text, s.now())
	}

	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.persistLocked()
	out := m.Clone()
	s.mu.Unlock()

	s.changed()
	return out
}

func (s *TranscriptService) indexLocked(id string) int {
	for i, m := range s.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// UpdateText 替换消息文本；persist 为 false 时只修改内存且不通知订阅者，
// 供逐字显示动画的中间帧使用
func (s *TranscriptService) UpdateText(id, text string, persist bool) bool {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.messages[idx].SetText(text)
	if persist {
		s.persistLocked()
	}
	s.mu.Unlock()

	if persist {
		s.changed()
	}
	return true
}

// Overwrite 替换消息文本并持久化。机器人消息替换的是当前候选回复。
func (s *TranscriptService) Overwrite(id, text string) bool {
	return s.UpdateText(id, text, true)
}

// RemoveAfter 删除 id 之后的所有消息（保留 id 本身）
func (s *TranscriptService) RemoveAfter(id string) bool {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	for i := idx + 1; i < len(s.messages); i++ {
		s.messages[i] = nil
	}
	s.messages = s.messages[:idx+1]
	s.persistLocked()
	s.mu.Unlock()

	s.changed()
	return true
}

// Clear 清空指定角色的记录；是当前角色时同时清空内存
func (s *TranscriptService) Clear(characterID string) {
	s.mu.Lock()
	active := characterID == s.characterID
	if active {
		s.messages = nil
	}
	s.mu.Unlock()

	if err := s.store.Delete(TranscriptKey(characterID)); err != nil {
		s.logger.Warn("删除对话记录失败", map[string]interface{}{
			"character_id": characterID,
			"error":        err.Error(),
		})
	}
	if active {
		s.changed()
	}
}

// ClearAll 删除所有角色的记录
func (s *TranscriptService) ClearAll() {
	keys, err := s.store.Keys(transcriptKeyPrefix)
	if err != nil {
		s.logger.Warn("列出对话记录失败", map[string]interface{}{"error": err.Error()})
	}
	for _, key := range keys {
		if err := s.store.Delete(key); err != nil {
			s.logger.Warn("删除对话记录失败", map[string]interface{}{"key": key, "error": err.Error()})
		}
	}

	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()

	s.changed()
}

// LastBot 最近一条机器人消息
func (s *TranscriptService) LastBot() (*models.Message, bool) {
	return s.last(models.RoleBot)
}

// LastUser 最近一条用户消息
func (s *TranscriptService) LastUser() (*models.Message, bool) {
	return s.last(models.RoleUser)
}

func (s *TranscriptService) last(role models.Role) (*models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == role {
			return s.messages[i].Clone(), true
		}
	}
	return nil, false
}

// Find 按 id 查找消息
func (s *TranscriptService) Find(id string) (*models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx := s.indexLocked(id); idx >= 0 {
		return s.messages[idx].Clone(), true
	}
	return nil, false
}

// AddVariant 为机器人消息追加候选回复并设为当前回复
func (s *TranscriptService) AddVariant(id, text string) (*models.Message, bool) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 || !s.messages[idx].AddVariant(text) {
		s.mu.Unlock()
		return nil, false
	}
	s.persistLocked()
	out := s.messages[idx].Clone()
	s.mu.Unlock()

	s.changed()
	return out, true
}

// StepVariant 将当前候选回复下标移动 delta，越界时不做修改
func (s *TranscriptService) StepVariant(id string, delta int) StepResult {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 || !s.messages[idx].IsBot() {
		s.mu.Unlock()
		return StepResult{}
	}

	m := s.messages[idx]
	if !m.StepVariant(delta) {
		meta := m.VariantMeta()
		s.mu.Unlock()
		return StepResult{Index: meta.Index, Total: meta.Total}
	}
	s.persistLocked()
	meta := m.VariantMeta()
	text := m.Text()
	s.mu.Unlock()

	s.changed()
	return StepResult{Changed: true, Index: meta.Index, Total: meta.Total, Text: text}
}

// VariantMeta 指定消息的候选回复状态
func (s *TranscriptService) VariantMeta(id string) (models.VariantMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 || !s.messages[idx].IsBot() {
		return models.VariantMeta{}, false
	}
	return s.messages[idx].VariantMeta(), true
}

// Subscribe 注册记录变化监听器，返回取消函数
func (s *TranscriptService) Subscribe(fn func()) func() {
	s.listenerMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

func (s *TranscriptService) changed() {
	s.listenerMu.RLock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.listenerMu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("对话记录监听器出错", map[string]interface{}{"panic": fmt.Sprint(r)})
				}
			}()
			fn()
		}()
	}
}

// persistLocked 调用方需持有 s.mu
func (s *TranscriptService) persistLocked() {
	if err := storage.SetJSON(s.store, TranscriptKey(s.characterID), s.messages); err != nil {
		logPersistFailure(s.logger, "保存对话记录失败，仅保留内存状态", err, map[string]interface{}{
			"character_id": s.characterID,
		})
	}
}

// logPersistFailure 写入失败只记录日志，内存中的状态照常生效
func logPersistFailure(logger *utils.Logger, message string, err error, fields map[string]interface{}) *errors.AppError {
	perr := errors.NewPersistenceError(message, err)
	if fields == nil {
		fields = make(map[string]interface{}, 2)
	}
	fields["error"] = perr.Error()
	fields["code"] = perr.Code
	logger.Warn(message, fields)
	return perr
}
