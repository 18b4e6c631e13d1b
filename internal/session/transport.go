package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/tmbot/internal/domain"
)

// writeWait is the time allowed to write a message to the peer.
const writeWait = 10 * time.Second

// Conn is one open streaming connection.
type Conn interface {
	// Send writes one text frame.
	Send(payload []byte) error
	// Listen starts delivering inbound frames to onMessage in arrival order
	// and calls onClose exactly once when the connection ends.
	// domain.ErrClosedNormally reports an orderly close by the peer.
	Listen(onMessage func([]byte), onClose func(error))
	Close() error
}

// Transport opens streaming connections.
type Transport interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WSTransport dials the marketplace push channel with gorilla/websocket.
type WSTransport struct {
	dialer websocket.Dialer
	header http.Header
}

// NewWSTransport creates a WSTransport. proxyURL may be empty.
func NewWSTransport(handshakeTimeout time.Duration, proxyURL string) (*WSTransport, error) {
	d := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("session: parse proxy url: %w", err)
		}
		d.Proxy = http.ProxyURL(u)
	}
	return &WSTransport{dialer: d, header: http.Header{}}, nil
}

// Dial opens a websocket connection to rawURL.
func (t *WSTransport) Dial(ctx context.Context, rawURL string) (Conn, error) {
	c, _, err := t.dialer.DialContext(ctx, rawURL, t.header)
	if err != nil {
		return nil, fmt.Errorf("session: dial: %w", err)
	}
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func (c *wsConn) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("session: send: %w", err)
	}
	return nil
}

func (c *wsConn) Listen(onMessage func([]byte), onClose func(error)) {
	go func() {
		for {
			_, msg, err := c.conn.ReadMessage()
			if err != nil {
				onClose(classifyClose(err))
				return
			}
			onMessage(msg)
		}
	}()
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// classifyClose maps a read error to domain.ErrClosedNormally for a 1000
// close frame and to a wrapped domain.ErrWSDisconnect otherwise.
func classifyClose(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
		return domain.ErrClosedNormally
	}
	return fmt.Errorf("%w: %v", domain.ErrWSDisconnect, err)
}
