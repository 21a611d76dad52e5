// internal/api/websocket.go
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Corphon/MiniChat/internal/services"
	"github.com/Corphon/MiniChat/internal/utils"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	sendBuffer   = 256
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketConnection 定义 WebSocket 连接的接口
type WebSocketConnection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// eventClient 一个订阅界面事件的连接
type eventClient struct {
	id        string
	conn      WebSocketConnection
	send      chan []byte
	closed    int32 // 0=开启，1=关闭
	lastPing  int64 // unix 纳秒
	createdAt time.Time
}

func newEventClient(conn WebSocketConnection) *eventClient {
	now := time.Now()
	return &eventClient{
		id:        uuid.NewString(),
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		lastPing:  now.UnixNano(),
		createdAt: now,
	}
}

// Close 安全关闭底层连接；send 通道由 hub 负责关闭
func (client *eventClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) && client.conn != nil {
		client.conn.Close()
	}
}

// IsClosed 检查连接是否已关闭
func (client *eventClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// UpdatePing 更新最后活跃时间
func (client *eventClient) UpdatePing() {
	atomic.StoreInt64(&client.lastPing, time.Now().UnixNano())
}

// IsExpired 检查连接是否超时
func (client *eventClient) IsExpired(timeout time.Duration) bool {
	if timeout <= 0 {
		return true
	}
	return time.Since(time.Unix(0, atomic.LoadInt64(&client.lastPing))) > timeout
}

// EventHub 把会话事件广播给所有 WebSocket 客户端。
// clients 只在 run 协程中修改，send 通道也只由 run 关闭。
type EventHub struct {
	clients    map[*eventClient]struct{}
	broadcast  chan []byte
	register   chan *eventClient
	unregister chan *eventClient
	stop       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once

	count       int64
	pingTimeout time.Duration
	metrics     *utils.APIMetrics
	logger      *utils.Logger
}

// NewEventHub 创建并启动事件中心
func NewEventHub(metrics *utils.APIMetrics, logger *utils.Logger) *EventHub {
	if logger == nil {
		logger = utils.GetLogger()
	}
	if metrics == nil {
		metrics = utils.NewAPIMetrics()
	}
	h := &EventHub{
		clients:     make(map[*eventClient]struct{}),
		broadcast:   make(chan []byte, sendBuffer),
		register:    make(chan *eventClient),
		unregister:  make(chan *eventClient),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		pingTimeout: pongWait + writeWait,
		metrics:     metrics,
		logger:      logger,
	}
	go h.run()
	return h
}

// run 事件中心主循环
func (h *EventHub) run() {
	defer close(h.done)

	cleanupTicker := time.NewTicker(30 * time.Second)
	defer cleanupTicker.Stop()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.updateCount()
			h.logger.Info("WebSocket 客户端已连接", map[string]interface{}{"client_id": client.id})

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// 队列已满的客户端视为失效
					h.logger.Warn("WebSocket 客户端消息队列已满，断开连接", map[string]interface{}{"client_id": client.id})
					h.remove(client)
				}
			}

		case <-cleanupTicker.C:
			for client := range h.clients {
				if client.IsClosed() || client.IsExpired(h.pingTimeout) {
					h.remove(client)
				}
			}

		case <-h.stop:
			for client := range h.clients {
				h.remove(client)
			}
			return
		}
	}
}

func (h *EventHub) remove(client *eventClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	client.Close()
	h.updateCount()
	h.logger.Info("WebSocket 客户端已断开", map[string]interface{}{"client_id": client.id})
}

func (h *EventHub) updateCount() {
	n := len(h.clients)
	atomic.StoreInt64(&h.count, int64(n))
	h.metrics.SetWebSocketConnections(n)
}

// Publish 序列化事件并排入广播队列；队列满时丢弃
func (h *EventHub) Publish(ev services.Event) {
	h.publish(ev)
}

func (h *EventHub) publish(v interface{}) {
	msg, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("序列化广播消息失败", map[string]interface{}{"error": err.Error()})
		return
	}

	select {
	case <-h.stop:
	case h.broadcast <- msg:
	default:
		h.logger.Warn("广播队列已满，事件被丢弃", nil)
	}
}

// Stop 关闭所有连接并停止主循环
func (h *EventHub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// ClientCount 当前连接数
func (h *EventHub) ClientCount() int {
	return int(atomic.LoadInt64(&h.count))
}

// GetStatus 获取事件中心状态
func (h *EventHub) GetStatus() map[string]interface{} {
	return map[string]interface{}{
		"total_connections":    h.ClientCount(),
		"ping_timeout_seconds": int(h.pingTimeout.Seconds()),
		"timestamp":            time.Now().Format(time.RFC3339),
	}
}

// attach 注册客户端；hub 已停止时返回 false
func (h *EventHub) attach(client *eventClient) bool {
	select {
	case <-h.stop:
		return false
	case h.register <- client:
		return true
	}
}

// detach 注销客户端；hub 已停止时不阻塞
func (h *EventHub) detach(client *eventClient) {
	select {
	case <-h.stop:
	case h.unregister <- client:
	}
}
