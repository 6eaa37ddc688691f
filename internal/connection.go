package internal

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

// Connection 一條 WebSocket 連線
//
// 每條連線兩個 goroutine：
//   - readPump：依序處理這條連線的事件（同一連線的事件不會並行）
//   - writePump：從 send 取出訊息寫出，並定時送 Ping
//
// send 從不關閉；關閉訊號走 done，避免對已關閉的 channel 發送而 panic。
type Connection struct {
	UserCode string
	RoomCode string

	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	gateway   *Gateway

	mu       sync.Mutex
	lastPong time.Time
}

func newConnection(g *Gateway, conn *websocket.Conn, roomCode, userCode string) *Connection {
	return &Connection{
		UserCode: userCode,
		RoomCode: roomCode,
		conn:     conn,
		send:     make(chan []byte, g.cfg.SendBuffer),
		done:     make(chan struct{}),
		gateway:  g,
		lastPong: time.Now(),
	}
}

// Send 非阻塞地排入一則訊息
//
// 緩衝區滿代表客戶端跟不上：關閉這條連線，不拖累同房間的其他人。
func (c *Connection) Send(msg []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.gateway.logger.Warn("連接緩衝區滿",
			"room_code", c.RoomCode,
			"user_code", c.UserCode)
		c.Close()
		return errSendBufferFull
	}
}

// Close 要求關閉連線（可重複呼叫）
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// LastPong 最後一次收到 Pong 的時間
func (c *Connection) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// readPump 讀取客戶端事件
//
// 心跳（讀取端）：PongWait 內沒有收到任何訊息（包括 Pong）就關閉連線。
// 預設 54s Ping / 60s 超時，留 6 秒給網路延遲。
func (c *Connection) readPump() {
	g := c.gateway
	defer g.wg.Done()
	defer func() {
		c.Close()
		c.conn.Close()
		g.disconnect(c)
	}()
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("處理事件時發生 panic",
				"error", r,
				"room_code", c.RoomCode,
				"user_code", c.UserCode)
		}
	}()

	c.conn.SetReadLimit(g.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait)); err != nil {
		g.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return c.conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("WebSocket 讀取錯誤",
					"error", err,
					"room_code", c.RoomCode,
					"user_code", c.UserCode)
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait)); err != nil {
			return
		}

		if messageType == websocket.TextMessage {
			g.handle(c, message)
		}
	}
}

// writePump 寫出訊息並定時 Ping
//
// 排隊中的訊息會在同一次喚醒中一併寫出。
func (c *Connection) writePump() {
	g := c.gateway
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.Close()
		g.wg.Done()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
			n := len(c.send)
			for range n {
				if err := c.write(websocket.TextMessage, <-c.send); err != nil {
					g.logger.Debug("發送消息失敗", "error", err, "user_code", c.UserCode)
					return
				}
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			// 嘗試發送關閉訊息，忽略錯誤（連線可能已斷）
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.gateway.cfg.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}
