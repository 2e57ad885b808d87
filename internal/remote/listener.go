package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// reconnectDelay is how long Listen waits before redialing after a
// dropped connection.
const reconnectDelay = 5 * time.Second

// PushEvent is one streamed update from the executor's WebSocket
// endpoint. Seq orders pushes; where the executor omits it, the caller
// falls back to progress comparison.
type PushEvent struct {
	TaskID    string          `json:"task_id"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message"`
	Error     string          `json:"error"`
	Result    json.RawMessage `json:"result"`
	Seq       int64           `json:"seq"`
	Timestamp string          `json:"timestamp"`
}

// Listen connects to the executor's push channel for one task and
// invokes fn for every decoded event. The connection is redialed after
// errors until ctx is done; the poll loop remains the durable path, so
// missed events while disconnected are harmless.
func (c *Client) Listen(ctx context.Context, remoteTaskID string, fn func(PushEvent)) {
	wsURL := strings.Replace(c.config.BaseURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.TrimRight(wsURL, "/") + "/ws/train/" + remoteTaskID

	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.listenOnce(ctx, wsURL, fn); err != nil {
			c.logger.Warn("Push channel disconnected",
				slog.String("url", wsURL),
				slog.Any("error", err),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) listenOnce(ctx context.Context, wsURL string, fn func(PushEvent)) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.config.Timeout}

	header := http.Header{}
	header.Set("Authorization", "Basic "+basicAuth(c.config.Username, c.config.Password))

	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.logger.Info("Push channel connected", slog.String("url", wsURL))

	// Unblock the read loop when the caller is done. The watcher must
	// also exit when this connection ends on its own, otherwise every
	// redial leaves one behind for the lifetime of ctx.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var event PushEvent
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		fn(event)
	}
}

func basicAuth(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
