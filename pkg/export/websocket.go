package export

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicktill/tsgate/pkg/config"
)

// Upgrader accepts same-origin browsers and non-browser clients.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = direct connection (curl, tests)
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// WSSink sends each line as a text frame.
type WSSink struct {
	conn *websocket.Conn
	mu   sync.Mutex // gorilla allows one concurrent writer
}

func NewWSSink(conn *websocket.Conn) *WSSink {
	return &WSSink{conn: conn}
}

func (s *WSSink) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

// Flush is a no-op: every frame is sent as it is written.
func (s *WSSink) Flush() error {
	return nil
}

// Ping sends a keepalive ping
func (s *WSSink) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteDeadline))
}

// Close sends a normal close frame and closes the connection.
func (s *WSSink) Close() error {
	s.mu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "export complete"),
		time.Now().Add(config.WSWriteDeadline))
	s.mu.Unlock()
	return s.conn.Close()
}

// CloseWithError sends a close frame carrying code and reason, then closes
// the connection.
func (s *WSSink) CloseWithError(code int, reason string) error {
	// control frame payloads are capped at 125 bytes, 2 of which hold the code
	if len(reason) > 123 {
		reason = reason[:123]
	}
	s.mu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(config.WSWriteDeadline))
	s.mu.Unlock()
	return s.conn.Close()
}

// WatchClose reads (and discards) client frames until the connection fails,
// then cancels. Control frames such as close and pong are only processed
// while something is reading.
func WatchClose(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// KeepAlive pings until ctx is done or a ping fails.
func (s *WSSink) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(config.WSPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Ping(); err != nil {
				return
			}
		}
	}
}
