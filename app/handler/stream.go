package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Tjy5/pdf-exam-question-extractor/app/events"
	"github.com/Tjy5/pdf-exam-question-extractor/app/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// StreamHandler 任务事件推送：SSE（带断线回放）与 WebSocket
type StreamHandler struct {
	log     *logger.Logger
	channel *events.Channel

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*websocket.Conn
}

// NewStreamHandler 创建事件推送处理器
func NewStreamHandler(log *logger.Logger, channel *events.Channel) *StreamHandler {
	return &StreamHandler{
		log:     log,
		channel: channel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*websocket.Conn),
	}
}

// SSE 单任务事件流。客户端带 Last-Event-ID 重连时，
// 先回放漏掉的已持久化事件再接入实时流。
// GET /api/tasks/:id/events
func (h *StreamHandler) SSE(c *gin.Context) {
	taskID := c.Param("id")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fail(c, http.StatusInternalServerError, 500, "响应不支持流式输出")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	// 先订阅再回放，避免两者之间漏事件；
	// 实时流里重复出现的回放事件由客户端按ID去重
	ch, cancel := h.channel.Subscribe(taskID)
	defer cancel()

	lastID := parseLastEventID(c)
	replayed, err := h.channel.Replay(taskID, lastID)
	if err != nil {
		h.log.Errorf("回放任务事件失败 %s: %v", taskID, err)
	}
	for i := range replayed {
		writeSSE(c.Writer, &replayed[i])
		if replayed[i].ID > lastID {
			lastID = replayed[i].ID
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.ID > 0 && ev.ID <= lastID {
				continue
			}
			writeSSE(c.Writer, &ev)
			flusher.Flush()
		}
	}
}

func parseLastEventID(c *gin.Context) int64 {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("after")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func writeSSE(w http.ResponseWriter, ev *events.Event) {
	if ev.ID > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.ID)
	}
	fmt.Fprintf(w, "event: %s\n", ev.Kind)
	fmt.Fprintf(w, "data: %s\n\n", ev.Payload)
}

// wsEnvelope WebSocket下发的事件包装
type wsEnvelope struct {
	ID     int64  `json:"id,omitempty"`
	TaskID string `json:"task_id"`
	Kind   string `json:"kind"`
	Data   any    `json:"data"`
}

// WebSocket 全局事件流，推送所有任务的事件
// GET /api/ws
func (h *StreamHandler) WebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Errorf("WebSocket升级失败: %v", err)
		return
	}

	clientID := uuid.NewString()
	h.mu.Lock()
	h.clients[clientID] = conn
	h.mu.Unlock()
	h.log.Infof("WebSocket客户端已连接: %s", clientID)

	ch, cancel := h.channel.Subscribe("")
	done := make(chan struct{})

	// 读循环只用于感知断开
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			cancel()
			conn.Close()
			h.mu.Lock()
			delete(h.clients, clientID)
			h.mu.Unlock()
			h.log.Infof("WebSocket客户端已断开: %s", clientID)
		}()

		for {
			select {
			case <-done:
				return
			case ev, open := <-ch:
				if !open {
					return
				}
				env := wsEnvelope{
					ID:     ev.ID,
					TaskID: ev.TaskID,
					Kind:   string(ev.Kind),
					Data:   ev.Payload,
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(env); err != nil {
					return
				}
			}
		}
	}()
}

// ClientCount 当前WebSocket连接数
func (h *StreamHandler) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
