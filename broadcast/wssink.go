package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 16
	writeTimeout = 5 * time.Second
)

// ErrSlowClient is returned by Deliver when a client's send buffer is full.
var ErrSlowClient = errors.New("client send buffer full")

// WSSink wraps a websocket connection with a buffered writer goroutine so a
// stalled client never blocks the broadcast path.
type WSSink struct {
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func NewWSSink(conn *websocket.Conn) *WSSink {
	s := &WSSink{
		conn:   conn,
		sendCh: make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *WSSink) run() {
	for {
		select {
		case msg := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// Deliver queues a message for the writer goroutine without blocking.
func (s *WSSink) Deliver(msg []byte) error {
	select {
	case s.sendCh <- msg:
		return nil
	default:
		return ErrSlowClient
	}
}

// Close stops the writer and closes the connection. Idempotent.
func (s *WSSink) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
