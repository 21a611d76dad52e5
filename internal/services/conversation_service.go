// internal/services/conversation_service.go
package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Corphon/MiniChat/internal/completion"
	"github.com/Corphon/MiniChat/internal/errors"
	"github.com/Corphon/MiniChat/internal/models"
	"github.com/Corphon/MiniChat/internal/utils"
)

// ClearedNotice 执行清空命令后写入的机器人消息
const ClearedNotice = "Chat history cleared."

// Outcome 一次发送或重新生成的结果
type Outcome string

const (
	OutcomeIgnored Outcome = "ignored"
	OutcomeCleared Outcome = "cleared"
	OutcomeReplied Outcome = "replied"
	OutcomeFailed  Outcome = "failed"
)

// StepOutcome 切换候选回复的结果；Generated 表示触发了重新生成
type StepOutcome struct {
	Changed   bool    `json:"changed"`
	Generated bool    `json:"generated"`
	Outcome   Outcome `json:"outcome,omitempty"`
}

// EventType 推送给界面的事件类型
type EventType string

const (
	EventTranscriptChanged  EventType = "transcript_changed"
	EventBusyChanged        EventType = "busy_changed"
	EventVariantMetaChanged EventType = "variant_meta_changed"
)

// Event 界面事件
type Event struct {
	Type        EventType           `json:"type"`
	Busy        bool                `json:"busy"`
	VariantMeta *models.VariantMeta `json:"variantMeta,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

// EventListener 事件监听器
type EventListener func(Event)

// ConversationDeps 会话控制器依赖
type ConversationDeps struct {
	Characters *CharacterService
	Context    *ContextService
	Transcript *TranscriptService
	Assembler  *PromptAssembler
	Completion completion.Service
	Metrics    *utils.APIMetrics
	Logger     *utils.Logger
}

// ConversationOptions 会话控制器参数
type ConversationOptions struct {
	RevealDelay time.Duration
	Generation  completion.GenerationDefaults
	Prompt      BuildOptions
}

// DefaultConversationOptions 默认参数
func DefaultConversationOptions() ConversationOptions {
	return ConversationOptions{
		RevealDelay: DefaultRevealDelay,
		Generation:  completion.DefaultGeneration(),
	}
}

// ConversationService 串联发送、编辑、重新生成和候选回复切换。
// 同一时刻只处理一个请求，忙碌时的重入调用直接忽略。
type ConversationService struct {
	characters *CharacterService
	context    *ContextService
	transcript *TranscriptService
	assembler  *PromptAssembler
	completion completion.Service
	typewriter *Typewriter
	opts       ConversationOptions
	metrics    *utils.APIMetrics
	logger     *utils.Logger

	// gate 保证同一时刻只有一个请求或切换操作；busy 仅表示正在等待回复
	gate atomic.Bool
	busy atomic.Bool

	editMu    sync.Mutex
	editingID string

	listenerMu sync.RWMutex
	listeners  map[int]EventListener
	nextID     int
}

// NewConversationService 创建会话控制器
func NewConversationService(deps ConversationDeps, opts ConversationOptions) *ConversationService {
	if deps.Logger == nil {
		deps.Logger = utils.GetLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = utils.NewAPIMetrics()
	}
	if deps.Assembler == nil {
		deps.Assembler = NewPromptAssembler()
	}

	c := &ConversationService{
		characters: deps.Characters,
		context:    deps.Context,
		transcript: deps.Transcript,
		assembler:  deps.Assembler,
		completion: deps.Completion,
		opts:       opts,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		listeners:  make(map[int]EventListener),
	}
	c.typewriter = NewTypewriter(deps.Transcript, opts.RevealDelay, func() {
		c.emit(Event{Type: EventTranscriptChanged})
	})
	deps.Transcript.Subscribe(c.onTranscriptChanged)
	return c
}

// Restore 启动时恢复上次选择的角色及其对话记录
func (c *ConversationService) Restore() {
	c.context.Load()

	var id string
	if ch := c.characters.Resolve(c.context.Get().CharacterID); ch != nil {
		id = ch.ID
	}
	c.activate(id)
}

// IsBusy 是否正在等待回复
func (c *ConversationService) IsBusy() bool {
	return c.busy.Load()
}

// Messages 当前对话记录
func (c *ConversationService) Messages() []*models.Message {
	return c.transcript.Messages()
}

// CurrentCharacter 当前生效的角色（未选择时为列表第一个）
func (c *ConversationService) CurrentCharacter() *models.Character {
	return c.characters.Resolve(c.context.Get().CharacterID)
}

// EditingID 正在编辑的用户消息 id
func (c *ConversationService) EditingID() string {
	c.editMu.Lock()
	defer c.editMu.Unlock()
	return c.editingID
}

func (c *ConversationService) setEditing(id string) {
	c.editMu.Lock()
	c.editingID = id
	c.editMu.Unlock()
}

// BeginEditLatestUser 记住最近一条用户消息以便下一次发送替换它，返回其文本
func (c *ConversationService) BeginEditLatestUser() (string, bool) {
	m, ok := c.transcript.LastUser()
	if !ok {
		return "", false
	}
	c.setEditing(m.ID)
	return m.Text(), true
}

// CancelEdit 放弃待编辑状态
func (c *ConversationService) CancelEdit() {
	c.setEditing("")
}

func isClearCommand(text string) bool {
	return text == "clear" || text == "/clear"
}

// Send 处理一次用户输入。
//
// 空输入在没有待编辑消息时表示“继续”，不写入用户消息；clear 或 /clear
// 清空当前对话；有待编辑消息时替换该消息并删除其后的所有消息。
func (c *ConversationService) Send(ctx context.Context, raw string) Outcome {
	text := strings.TrimSpace(raw)
	editID := c.EditingID()
	if editID != "" && text == "" {
		return OutcomeIgnored
	}
	if !c.gate.CompareAndSwap(false, true) {
		return OutcomeIgnored
	}

	if editID == "" && isClearCommand(text) {
		defer c.gate.Store(false)
		c.transcript.Clear(c.transcript.CharacterID())
		c.transcript.Append(models.RoleBot, ClearedNotice)
		c.metrics.RecordConversationOutcome("send", string(OutcomeCleared))
		return OutcomeCleared
	}

	c.acquire()
	defer c.release()

	var continuation string
	switch {
	case editID == "" && text == "":
		continuation = ContinuationNudge
	case editID != "":
		if target, ok := c.transcript.Find(editID); ok && target.Role == models.RoleUser {
			c.transcript.Overwrite(editID, text)
			c.transcript.RemoveAfter(editID)
		} else {
			c.setEditing("")
			c.transcript.Append(models.RoleUser, text)
		}
	default:
		c.transcript.Append(models.RoleUser, text)
	}

	reply, err := c.requestReply(ctx, c.transcript.Messages(), continuation)
	if err != nil {
		// 失败时保留待编辑状态，再次发送仍替换同一条消息
		c.transcript.Append(models.RoleBot, errors.UserMessage(err))
		c.metrics.RecordConversationOutcome("send", string(OutcomeFailed))
		return OutcomeFailed
	}

	c.setEditing("")
	bot := c.transcript.Append(models.RoleBot, "")
	c.typewriter.Reveal(ctx, bot.ID, reply)
	c.metrics.RecordConversationOutcome("send", string(OutcomeReplied))
	return OutcomeReplied
}

// Regenerate 为最新的机器人消息生成新的候选回复；
// 请求上下文不包含该消息本身
func (c *ConversationService) Regenerate(ctx context.Context) Outcome {
	if !c.gate.CompareAndSwap(false, true) {
		return OutcomeIgnored
	}
	lastBot, ok := c.transcript.LastBot()
	if !ok {
		c.gate.Store(false)
		return OutcomeIgnored
	}
	c.acquire()
	defer c.release()

	all := c.transcript.Messages()
	history := make([]*models.Message, 0, len(all))
	for _, m := range all {
		if m.ID != lastBot.ID {
			history = append(history, m)
		}
	}

	reply, err := c.requestReply(ctx, history, "")
	if err != nil {
		c.transcript.Append(models.RoleBot, errors.UserMessage(err))
		c.metrics.RecordConversationOutcome("regenerate", string(OutcomeFailed))
		return OutcomeFailed
	}

	c.transcript.AddVariant(lastBot.ID, reply)
	c.metrics.RecordConversationOutcome("regenerate", string(OutcomeReplied))
	return OutcomeReplied
}

// StepVariant 切换最新机器人消息的候选回复。向前越过第一个时不变；
// 向后越过最后一个时重新生成。
func (c *ConversationService) StepVariant(ctx context.Context, delta int) StepOutcome {
	lastBot, ok := c.transcript.LastBot()
	if !ok || delta == 0 {
		return StepOutcome{}
	}

	if delta < 0 {
		res := c.transcript.StepVariant(lastBot.ID, -1)
		return StepOutcome{Changed: res.Changed}
	}

	if lastBot.VariantMeta().HasNext {
		res := c.transcript.StepVariant(lastBot.ID, 1)
		return StepOutcome{Changed: res.Changed}
	}

	outcome := c.Regenerate(ctx)
	return StepOutcome{Generated: outcome != OutcomeIgnored, Outcome: outcome}
}

// LatestVariantMeta 最新机器人消息的候选回复状态
func (c *ConversationService) LatestVariantMeta() (models.VariantMeta, bool) {
	lastBot, ok := c.transcript.LastBot()
	if !ok {
		return models.VariantMeta{}, false
	}
	return lastBot.VariantMeta(), true
}

// SelectCharacter 切换角色并加载其对话记录；记录为空时写入角色的开场白
func (c *ConversationService) SelectCharacter(id string) error {
	if !c.gate.CompareAndSwap(false, true) {
		return errBusy()
	}
	defer c.gate.Store(false)

	if _, ok := c.characters.Get(id); !ok {
		return errors.NewNotFoundError(fmt.Sprintf("character %q not found", id), nil)
	}
	c.activate(id)
	return nil
}

func (c *ConversationService) activate(id string) {
	c.setEditing("")
	c.context.SetCharacter(id)
	c.transcript.Load(id)
	c.seedFirstMessage()
}

func (c *ConversationService) seedFirstMessage() {
	if c.transcript.Len() > 0 {
		return
	}
	if ch := c.CurrentCharacter(); ch != nil {
		if first := strings.TrimSpace(ch.FirstMessage); first != "" {
			c.transcript.Append(models.RoleBot, first)
		}
	}
}

// ResetToInitial 清空当前对话，只保留角色开场白（如有）
func (c *ConversationService) ResetToInitial() error {
	if !c.gate.CompareAndSwap(false, true) {
		return errBusy()
	}
	defer c.gate.Store(false)

	c.setEditing("")
	c.transcript.Clear(c.transcript.CharacterID())
	c.seedFirstMessage()
	return nil
}

// ClearAll 删除所有角色的对话记录
func (c *ConversationService) ClearAll() error {
	if !c.gate.CompareAndSwap(false, true) {
		return errBusy()
	}
	defer c.gate.Store(false)

	c.setEditing("")
	c.transcript.ClearAll()
	return nil
}

// DeleteCharacter 删除用户角色或隐藏内置角色，清除其对话记录，
// 并切换到剩余列表中的第一个角色
func (c *ConversationService) DeleteCharacter(id string) error {
	if !c.gate.CompareAndSwap(false, true) {
		return errBusy()
	}
	defer c.gate.Store(false)

	if !c.characters.Remove(id) {
		return errors.NewNotFoundError(fmt.Sprintf("character %q not found", id), nil)
	}
	c.transcript.Clear(id)

	var fallback string
	if list := c.characters.List(); len(list) > 0 {
		fallback = list[0].ID
	}
	c.activate(fallback)
	return nil
}

// SetSituation 设置当前情境
func (c *ConversationService) SetSituation(situation string) {
	c.context.SetSituation(situation)
}

// SetUserPersona 设置用户人设
func (c *ConversationService) SetUserPersona(persona string) {
	c.context.SetUserPersona(persona)
}

// requestReply 组装提示词并请求补全，返回回复文本
func (c *ConversationService) requestReply(ctx context.Context, history []*models.Message, continuation string) (string, error) {
	sel := c.context.Get()
	character := c.characters.Resolve(sel.CharacterID)

	opts := c.opts.Prompt
	opts.Continuation = continuation
	prompt := c.assembler.Build(history, character, opts)
	req := c.opts.Generation.NewRequest(prompt, sel.Situation, sel.UserPersona)

	start := time.Now()
	resp, err := c.completion.Complete(ctx, req)
	if err != nil {
		c.logger.Warn("获取回复失败", map[string]interface{}{
			"error":    err.Error(),
			"duration": time.Since(start).Milliseconds(),
		})
		return "", err
	}

	c.logger.Debug("获取回复成功", map[string]interface{}{
		"used_model": resp.UsedModel,
		"duration":   time.Since(start).Milliseconds(),
	})
	return resp.Text(), nil
}

func errBusy() error {
	return errors.NewConflictError("a reply is still being generated", nil)
}

// acquire 在已持有 gate 时进入等待回复状态
func (c *ConversationService) acquire() {
	c.busy.Store(true)
	c.metrics.SetConversationBusy(true)
	c.emit(Event{Type: EventBusyChanged, Busy: true})
}

func (c *ConversationService) release() {
	c.busy.Store(false)
	c.metrics.SetConversationBusy(false)
	c.gate.Store(false)
	c.emit(Event{Type: EventBusyChanged, Busy: false})
}

func (c *ConversationService) onTranscriptChanged() {
	c.emit(Event{Type: EventTranscriptChanged})

	ev := Event{Type: EventVariantMetaChanged}
	if meta, ok := c.LatestVariantMeta(); ok {
		ev.VariantMeta = &meta
	}
	c.emit(ev)
}

// Subscribe 注册事件监听器，返回取消函数
func (c *ConversationService) Subscribe(fn EventListener) func() {
	c.listenerMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenerMu.Unlock()

	return func() {
		c.listenerMu.Lock()
		delete(c.listeners, id)
		c.listenerMu.Unlock()
	}
}

func (c *ConversationService) emit(ev Event) {
	ev.Busy = ev.Busy || (ev.Type != EventBusyChanged && c.busy.Load())
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	c.listenerMu.RLock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]EventListener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.listenerMu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("会话事件监听器出错", map[string]interface{}{"panic": fmt.Sprint(r)})
				}
			}()
			fn(ev)
		}()
	}
}
