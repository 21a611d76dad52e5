// internal/services/context_service.go
package services

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Corphon/MiniChat/internal/models"
	"github.com/Corphon/MiniChat/internal/storage"
	"github.com/Corphon/MiniChat/internal/utils"
)

const (
	personaKey           = "mini-chat-user-persona"
	selectedCharacterKey = "selectedCharacterId"
)

// SelectionListener 接收整份当前选择
type SelectionListener func(models.Selection)

// ContextService 保存当前角色、情境和用户人设，并通知订阅者
type ContextService struct {
	store  storage.Store
	logger *utils.Logger

	mu        sync.RWMutex
	selection models.Selection
	listeners map[int]SelectionListener
	nextID    int
}

// NewContextService 创建上下文服务
func NewContextService(store storage.Store, logger *utils.Logger) *ContextService {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &ContextService{
		store:     store,
		logger:    logger,
		listeners: make(map[int]SelectionListener),
	}
}

// Load 从存储恢复用户人设和上次选择的角色 id
func (s *ContextService) Load() {
	var persona, characterID string
	if err := storage.GetJSON(s.store, personaKey, &persona); err != nil && !storage.IsNotFound(err) {
		s.logger.Warn("加载用户人设失败", map[string]interface{}{"error": err.Error()})
	}
	if err := storage.GetJSON(s.store, selectedCharacterKey, &characterID); err != nil && !storage.IsNotFound(err) {
		s.logger.Warn("加载已选角色失败", map[string]interface{}{"error": err.Error()})
	}

	s.update(func(sel *models.Selection) {
		sel.UserPersona = strings.TrimSpace(persona)
		sel.CharacterID = characterID
	})
}

// Get 返回当前选择的副本
func (s *ContextService) Get() models.Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selection
}

// SetCharacter 设置当前角色并记住选择；空 id 会清除记录
func (s *ContextService) SetCharacter(id string) {
	s.update(func(sel *models.Selection) { sel.CharacterID = id })

	var err error
	if id == "" {
		err = s.store.Delete(selectedCharacterKey)
	} else {
		err = storage.SetJSON(s.store, selectedCharacterKey, id)
	}
	if err != nil {
		logPersistFailure(s.logger, "保存已选角色失败", err, nil)
	}
}

// SetSituation 设置当前情境（仅保存在内存中）
func (s *ContextService) SetSituation(situation string) {
	s.update(func(sel *models.Selection) { sel.Situation = situation })
}

// SetUserPersona 设置用户人设（去除首尾空白）并持久化
func (s *ContextService) SetUserPersona(persona string) {
	persona = strings.TrimSpace(persona)
	s.update(func(sel *models.Selection) { sel.UserPersona = persona })

	if err := storage.SetJSON(s.store, personaKey, persona); err != nil {
		logPersistFailure(s.logger, "保存用户人设失败", err, nil)
	}
}

// Subscribe 注册监听器，返回取消函数
func (s *ContextService) Subscribe(fn SelectionListener) func() {
	if fn == nil {
		return func() {}
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *ContextService) update(mutate func(*models.Selection)) {
	s.mu.Lock()
	mutate(&s.selection)
	snapshot := s.selection

	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]SelectionListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		s.notify(fn, snapshot)
	}
}

// notify 单个监听器出错不影响其他监听器
func (s *ContextService) notify(fn SelectionListener, sel models.Selection) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("上下文监听器出错", map[string]interface{}{"panic": fmt.Sprint(r)})
		}
	}()
	fn(sel)
}
