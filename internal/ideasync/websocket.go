package ideasync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

const defaultReadLimit = 1 << 20

// WebSocketDialer dials the collaboration server's push endpoint.
type WebSocketDialer struct {
	URL        string
	HTTPClient *http.Client
	Header     http.Header
	// ReadLimit caps a single inbound frame; initial_state snapshots can be
	// large, so the library default of 32KiB is raised.
	ReadLimit int64
}

func (d WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (c *wsConn) Write(ctx context.Context, payload []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// PushURL derives the websocket endpoint from the server's HTTP base URL.
func PushURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
