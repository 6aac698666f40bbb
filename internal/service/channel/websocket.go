package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/roomchat/internal/service/credential"
)

// WSOptions tune websocket keepalive.
type WSOptions struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

// DefaultWSOptions mirrors the server's 60s read deadline.
func DefaultWSOptions() WSOptions {
	return WSOptions{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     25 * time.Second,
	}
}

// WSDialer connects to <BaseURL>/<room>/ and authenticates with the current
// access token.
type WSDialer struct {
	baseURL string
	tokens  credential.Source
	opts    WSOptions
	dialer  *websocket.Dialer
}

// NewWSDialer validates baseURL (ws:// or wss://).
func NewWSDialer(baseURL string, tokens credential.Source, opts WSOptions) (*WSDialer, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid channel url %q: %w", baseURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid channel url %q: scheme must be ws or wss", baseURL)
	}
	return &WSDialer{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		opts:    opts,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
	}, nil
}

// Dial performs the websocket handshake for room.
func (d *WSDialer) Dial(ctx context.Context, room string) (Conn, error) {
	target := d.baseURL + "/" + url.PathEscape(room) + "/"

	header := http.Header{}
	if d.tokens != nil {
		if token := d.tokens.AccessToken(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, resp, err := d.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: status %d: %w", room, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", room, err)
	}

	ws := &wsConn{conn: conn, opts: d.opts, stop: make(chan struct{})}
	conn.SetReadDeadline(time.Now().Add(d.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(d.opts.ReadTimeout))
		return nil
	})
	go ws.pingLoop()
	return ws, nil
}

type wsConn struct {
	conn *websocket.Conn
	opts WSOptions

	writeMu   sync.Mutex
	closeOnce sync.Once
	stop      chan struct{}
}

func (w *wsConn) Read() ([]byte, error) {
	for {
		kind, payload, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		w.conn.SetReadDeadline(time.Now().Add(w.opts.ReadTimeout))
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

func (w *wsConn) Write(payload []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(w.opts.WriteTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stop)
		w.writeMu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}

// pingLoop keeps the read deadline alive on idle rooms.
func (w *wsConn) pingLoop() {
	if w.opts.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.writeMu.Lock()
			w.conn.SetWriteDeadline(time.Now().Add(w.opts.WriteTimeout))
			err := w.conn.WriteMessage(websocket.PingMessage, nil)
			w.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
