package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 1 * time.Second

// wsSession owns the outbound half of one WebSocket connection. The hub
// enqueues frames through Send; a dedicated writer goroutine drains the
// queue so slow clients only ever cost themselves dropped frames.
type wsSession struct {
	conn  *websocket.Conn
	queue *sendQueue

	pingInterval time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func newWSSession(conn *websocket.Conn, queueBytes int, pingInterval time.Duration) *wsSession {
	return &wsSession{
		conn:         conn,
		queue:        newSendQueue(queueBytes),
		pingInterval: pingInterval,
		done:         make(chan struct{}),
	}
}

func (s *wsSession) start() {
	go s.writeLoop()
	go s.pingLoop()
}

// Send implements hub.Sender. It never blocks.
func (s *wsSession) Send(frame []byte) bool {
	return s.queue.Enqueue(frame)
}

// Close implements hub.Sender. Closing the underlying connection also
// unblocks the read loop, which detaches the connection from the hub.
func (s *wsSession) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.queue.Close()
		_ = s.conn.Close()
	})
}

func (s *wsSession) writeLoop() {
	for {
		frame, ok := s.queue.Dequeue()
		if !ok {
			return
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.Close()
			return
		}
	}
}

// pingLoop keeps the connection alive; the read loop's pong handler pushes
// the idle deadline out on every response.
func (s *wsSession) pingLoop() {
	if s.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteWait)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.Close()
				return
			}
		}
	}
}

func (s *wsSession) closeWith(code int, reason string) {
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
