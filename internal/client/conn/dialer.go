package conn

import (
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketDialer dials the relay over gorilla websockets.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

type websocketSocket struct {
	conn *websocket.Conn
}

func (d *WebsocketDialer) Dial(url string) (Socket, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	c, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &websocketSocket{conn: c}, nil
}

func (s *websocketSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *websocketSocket) WriteMessage(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *websocketSocket) Close() error {
	return s.conn.Close()
}
