package chat

import (
	"sync"

	"deskchat/module/chat/service"

	"github.com/gorilla/websocket"
)

// Client represents one websocket session. A user may hold several.
// Send is consumed by a single writer goroutine and is never closed;
// done signals shutdown instead so concurrent fan-out never writes to a closed channel.
type Client struct {
	ConnID string          // Unique connection ID (unique within the local gateway)
	UserID string          // set after CONNECT
	WS     *websocket.Conn // WebSocket connection object
	Send   chan []byte     // Outbound frame queue

	pending  chan sendJob // SEND 排队，读协程写入、sendLoop 消费，读协程退出时关闭
	done     chan struct{}
	stopOnce sync.Once
}

type sendJob struct {
	roomID int64
	ref    string
	req    service.SendRequest
}

// NewClient creates a new client connection object.
func NewClient(connID string, ws *websocket.Conn, sendQueueSize int) *Client {
	return &Client{
		ConnID: connID,
		WS:     ws,
		Send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Enqueue 非阻塞入队；队列满或已关闭时返回 false
func (c *Client) Enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) stop() { c.stopOnce.Do(func() { close(c.done) }) }

func (c *Client) Done() <-chan struct{} { return c.done }
