package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/mineguard/mineguard/models"
)

// EventHandler receives lifecycle events from the controller's event stream.
type EventHandler func(models.Event)

// ConsoleHandler receives console lines from a streaming subscription.
type ConsoleHandler func(models.ConsoleLine)

// SubscribeEvents opens a websocket to the controller's event stream and
// invokes handler for every lifecycle event until ctx is cancelled or the
// connection drops.
func (c *Client) SubscribeEvents(ctx context.Context, handler EventHandler) error {
	conn, err := c.dialWS("/api/v1/events", nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.logger.Debug("subscribed to event stream")

	return readLoop(ctx, conn, func(data []byte) {
		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("dropping malformed event", "error", err)
			return
		}
		handler(ev)
	})
}

// SubscribeConsole streams console output. An empty idOrName subscribes to
// the console output of every instance.
func (c *Client) SubscribeConsole(ctx context.Context, idOrName string, handler ConsoleHandler) error {
	var params map[string]string
	if idOrName != "" {
		params = refParams(idOrName)
	}

	conn, err := c.dialWS("/api/v1/console", params)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.logger.Debug("subscribed to console stream", "target", idOrName)

	return readLoop(ctx, conn, func(data []byte) {
		var line models.ConsoleLine
		if err := json.Unmarshal(data, &line); err != nil {
			c.logger.Warn("dropping malformed console line", "error", err)
			return
		}
		handler(line)
	})
}

func (c *Client) dialWS(path string, params map[string]string) (*websocket.Conn, error) {
	scheme := "ws"
	if c.useTLS {
		scheme = "wss"
	}

	wsURL := url.URL{Scheme: scheme, Host: c.baseURL.Host, Path: path}
	q := wsURL.Query()
	q.Set("token", c.apiKey)
	for k, v := range params {
		q.Set(k, v)
	}
	wsURL.RawQuery = q.Encode()

	dialer := *websocket.DefaultDialer
	if c.useTLS {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: c.skipVerify}
	}

	conn, _, err := dialer.Dial(wsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", path, err)
	}
	return conn, nil
}

func readLoop(ctx context.Context, conn *websocket.Conn, onMessage func([]byte)) error {
	done := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			onMessage(data)
		}
	}()

	select {
	case <-ctx.Done():
		conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		conn.Close()
		<-done
		return ctx.Err()
	case err := <-done:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil
		}
		return err
	}
}
