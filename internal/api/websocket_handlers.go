// internal/api/websocket_handlers.go
package api

import (
	"encoding/json"
	"time"

	"github.com/Corphon/MiniChat/internal/models"
	"github.com/Corphon/MiniChat/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// eventSnapshot 连接建立时发送的当前状态
type eventSnapshot struct {
	Type        string              `json:"type"`
	ClientID    string              `json:"client_id"`
	Busy        bool                `json:"busy"`
	CharacterID string              `json:"characterId"`
	Messages    []*models.Message   `json:"messages"`
	VariantMeta *models.VariantMeta `json:"variantMeta,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

// EventsWebSocket 处理 /ws/events 连接，推送会话事件
func (h *Handler) EventsWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket 升级失败", map[string]interface{}{"error": err.Error()})
		return
	}

	client := newEventClient(conn)
	snapshot := eventSnapshot{
		Type:      "connected",
		ClientID:  client.id,
		Busy:      h.Conversation.IsBusy(),
		Messages:  h.Conversation.Messages(),
		Timestamp: time.Now(),
	}
	if ch := h.Conversation.CurrentCharacter(); ch != nil {
		snapshot.CharacterID = ch.ID
	}
	if meta, ok := h.Conversation.LatestVariantMeta(); ok {
		snapshot.VariantMeta = &meta
	}
	if msg, err := json.Marshal(snapshot); err == nil {
		client.send <- msg
	}
	if !h.Hub.attach(client) {
		conn.Close()
		return
	}

	go h.writePump(client)
	h.readPump(client)
}

// readPump 读取直到连接关闭；客户端消息只用于刷新活跃时间
func (h *Handler) readPump(client *eventClient) {
	defer h.Hub.detach(client)

	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, _, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket 读取错误", map[string]interface{}{"client_id": client.id, "error": err.Error()})
			}
			return
		}
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// writePump 把队列中的消息写到连接，并定期发送 ping
func (h *Handler) writePump(client *eventClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		client.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// forwardEvents 把会话事件转发到事件中心，返回取消订阅函数
func forwardEvents(conversation *services.ConversationService, hub *EventHub) func() {
	return conversation.Subscribe(hub.Publish)
}
