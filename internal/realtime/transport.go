package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	stompSubprotocol        = "v12.stomp"
)

// Conn carries STOMP frames over one live connection. Send may be called concurrently with
// Receive; Close unblocks a pending Receive.
type Conn interface {
	Send(ctx context.Context, frame Frame) error
	Receive(ctx context.Context) (Frame, error)
	Close() error
}

// Transport opens connections to the realtime endpoint.
type Transport interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WebsocketTransport dials the backend's /ws endpoint with gorilla/websocket and exchanges one
// STOMP frame per text message.
type WebsocketTransport struct {
	URL          string
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
}

// NewWebsocketTransport returns a transport for url with default timeouts.
func NewWebsocketTransport(url string) *WebsocketTransport {
	return &WebsocketTransport{
		URL: url,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
			Subprotocols:     []string{stompSubprotocol},
		},
		WriteTimeout: defaultWriteTimeout,
	}
}

// Dial opens the websocket. The bearer token rides on the handshake as well as on the STOMP
// CONNECT frame since backends differ in where they authenticate.
func (t *WebsocketTransport) Dial(ctx context.Context, token string) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	for key, values := range t.Header {
		header[key] = append([]string(nil), values...)
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, response, err := dialer.DialContext(ctx, t.URL, header)
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	writeTimeout := t.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &websocketConn{ws: ws, writeTimeout: writeTimeout}, nil
}

type websocketConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

func (c *websocketConn) Send(ctx context.Context, frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame.Encode())
}

func (c *websocketConn) Receive(ctx context.Context) (Frame, error) {
	deadline, _ := ctx.Deadline()
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return Frame{}, err
	}
	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		frame, err := DecodeFrame(message)
		if errors.Is(err, ErrHeartbeat) {
			continue
		}
		return frame, err
	}
}

func (c *websocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
