package internal

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// 系統設計問題：
//   每個客戶端一條長連線，如何讓讀、寫、廣播互不阻塞？
//
// 設計方案：
//   - 每條連線一個 readPump、一個 writePump goroutine
//   - 廣播只把訊息放進緩衝 channel，寫入由 writePump 負責
//   - Ping/Pong 心跳偵測死連線（54s/60s）
//   - player-move 以 token bucket 限流，其他訊息不受限

// WebSocketHub WebSocket 連接中心
//
// Hub 只負責連線的生命週期；房間訂閱關係在 Registry，
// 訊息語意在 Dispatcher。
type WebSocketHub struct {
	dispatcher *Dispatcher
	config     WebSocketConfig
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	clients    map[*Client]struct{}
	mu         sync.RWMutex
	wg         sync.WaitGroup
}

// Client 一條 WebSocket 連線
type Client struct {
	ID      string
	conn    *websocket.Conn
	send    chan []byte
	hub     *WebSocketHub
	limiter *rate.Limiter

	mu       sync.Mutex
	roomCode string
	playerID string
	closed   bool
}

// NewWebSocketHub 創建 WebSocket Hub
func NewWebSocketHub(dispatcher *Dispatcher, config WebSocketConfig, logger *slog.Logger) *WebSocketHub {
	return &WebSocketHub{
		dispatcher: dispatcher,
		config:     config,
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
		},
		clients: make(map[*Client]struct{}),
	}
}

// ServeWS 升級連線並啟動讀寫 goroutine
//
// 連線建立時不綁定房間，客戶端需要送出 join-room。
func (hub *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	client := &Client{
		ID:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, hub.config.SendBuffer),
		hub:     hub,
		limiter: rate.NewLimiter(rate.Limit(hub.config.MessageRate), hub.config.MessageBurst),
	}

	hub.mu.Lock()
	hub.clients[client] = struct{}{}
	hub.mu.Unlock()

	hub.wg.Add(2)
	go client.writePump()
	go client.readPump()

	hub.logger.Info("WebSocket 連接建立",
		"client_id", client.ID,
		"remote_addr", r.RemoteAddr)
}

// unregister 連線結束：離開房間並關閉發送佇列
func (hub *WebSocketHub) unregister(c *Client) {
	hub.dispatcher.Disconnect(c)

	hub.mu.Lock()
	delete(hub.clients, c)
	hub.mu.Unlock()

	c.closeSend()
}

// Dispatcher 入站訊息的分派器
func (hub *WebSocketHub) Dispatcher() *Dispatcher {
	return hub.dispatcher
}

// ConnectionCount 目前連線數
func (hub *WebSocketHub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients)
}

// Stop 關閉所有連線並等待讀寫 goroutine 結束
func (hub *WebSocketHub) Stop() {
	hub.mu.RLock()
	clients := make([]*Client, 0, len(hub.clients))
	for c := range hub.clients {
		clients = append(clients, c)
	}
	hub.mu.RUnlock()

	for _, c := range clients {
		c.closeSend()
		c.conn.Close()
	}
	hub.wg.Wait()

	hub.logger.Info("WebSocket Hub 已停止")
}

// Send 非阻塞放入發送佇列；連線已關閉或佇列已滿時回傳 false
func (c *Client) Send(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		c.hub.logger.Warn("連接緩衝區滿",
			"client_id", c.ID,
			"room_code", c.roomCode,
			"player_id", c.playerID)
		return false
	}
}

// Session 目前綁定的房間與玩家
func (c *Client) Session() (roomCode, playerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomCode, c.playerID
}

// SetSession 綁定房間與玩家（旁觀者 playerID 為空）
func (c *Client) SetSession(roomCode, playerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomCode = roomCode
	c.playerID = playerID
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump 讀取客戶端消息
//
// 超時 PongWait 內沒有收到任何訊息（包括 Pong）就關閉連線。
// 超過限流的 player-move 直接丟棄，不關閉連線。
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
		c.hub.wg.Done()
	}()

	cfg := c.hub.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait)); err != nil {
		c.hub.logger.Error("設置讀取期限失敗", "error", err)
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"client_id", c.ID)
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := DecodeInbound(message)
		if err != nil {
			c.hub.logger.Warn("無效的客戶端訊息",
				"client_id", c.ID,
				"error", err)
			continue
		}

		// 只限制位置更新；後一則移動會覆蓋前一則，其他訊息一律處理
		if msg.Type == MsgPlayerMove && !c.limiter.Allow() {
			c.hub.logger.Debug("移動訊息頻率過高，丟棄",
				"client_id", c.ID,
				"room_code", c.roomCodeSnapshot())
			continue
		}

		c.hub.dispatcher.Dispatch(c, msg)
	}
}

// writePump 寫入消息到客戶端
//
// 每 PingPeriod 發送一次 Ping；佇列中累積的訊息逐一寫出，
// 保持放入佇列的順序。
func (c *Client) writePump() {
	cfg := c.hub.config
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.wg.Done()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// 佇列已關閉，嘗試送出關閉訊息，忽略錯誤
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					return
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, next); err != nil {
					c.hub.logger.Error("發送消息失敗", "error", err, "client_id", c.ID)
					return
				}
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) roomCodeSnapshot() string {
	roomCode, _ := c.Session()
	return roomCode
}
