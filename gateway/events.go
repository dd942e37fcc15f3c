package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.
	sendBufferSize = 256                 // Fallback buffer size for the send channel.
)

// A session of someone connected wanting the lifecycle event stream or a
// console stream over websocket.
type wsSession struct {
	conn    *websocket.Conn
	send    chan []byte
	gateway *Gateway
	release func()
}

// eventsHandler upgrades the connection and streams every lifecycle event.
func (g *Gateway) eventsHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := g.openSession(w, r)
	if !ok {
		return
	}

	sub := g.registry.Subscribe()
	done := make(chan struct{})
	session.release = func() {
		close(done)
		g.registry.Unsubscribe(sub)
	}

	go func() {
		for {
			select {
			case <-done:
				return
			case ev := <-sub.Events():
				message, err := json.Marshal(ev)
				if err != nil {
					g.logger.Error("failed to marshal event for websocket dispatch", "error", err)
					continue
				}
				session.offer(message)
			}
		}
	}()

	go session.writePump()
	go session.readPump()
}

// consoleStreamHandler streams console lines, optionally filtered to one
// instance via ?id= or ?name=.
func (g *Gateway) consoleStreamHandler(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("id")
	if instanceID == "" {
		if name := r.URL.Query().Get("name"); name != "" {
			id, ok := g.registry.Resolve(name)
			if !ok {
				writeError(w, g.logger, notFoundByName(name))
				return
			}
			instanceID = id
		}
	}

	session, ok := g.openSession(w, r)
	if !ok {
		return
	}

	sub := g.registry.SubscribeConsole(instanceID)
	done := make(chan struct{})
	session.release = func() {
		close(done)
		g.registry.UnsubscribeConsole(sub)
	}

	go func() {
		for {
			select {
			case <-done:
				return
			case line := <-sub.Lines():
				message, err := json.Marshal(line)
				if err != nil {
					continue
				}
				session.offer(message)
			}
		}
	}()

	go session.writePump()
	go session.readPump()
}

func (g *Gateway) openSession(w http.ResponseWriter, r *http.Request) (*wsSession, bool) {
	g.wsConnLock.Lock()
	if g.activeWs >= g.cfg.Sessions.MaxConnections {
		g.wsConnLock.Unlock()
		g.logger.Warn("max websocket connections reached, rejecting", "max", g.cfg.Sessions.MaxConnections)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return nil, false
	}
	g.activeWs++
	g.wsConnLock.Unlock()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("failed to upgrade websocket connection", "error", err)
		g.dropConnection()
		return nil, false
	}

	bufferSize := g.cfg.Sessions.EventChannelSize
	if bufferSize <= 0 {
		bufferSize = sendBufferSize
	}

	g.logger.Info("websocket connection established", "remote_addr", conn.RemoteAddr().String())
	return &wsSession{
		conn:    conn,
		send:    make(chan []byte, bufferSize),
		gateway: g,
	}, true
}

func (g *Gateway) dropConnection() {
	g.wsConnLock.Lock()
	if g.activeWs > 0 {
		g.activeWs--
	}
	g.wsConnLock.Unlock()
}

// offer queues a message for the write pump, dropping the oldest queued
// message rather than blocking. A slow dashboard loses history, never
// stalls the controller.
func (s *wsSession) offer(message []byte) {
	select {
	case s.send <- message:
		return
	default:
	}
	select {
	case <-s.send:
	default:
	}
	select {
	case s.send <- message:
	default:
		s.gateway.logger.Debug("subscriber send channel saturated, message dropped",
			"remote_addr", s.conn.RemoteAddr())
	}
}

// readPump pumps messages from the websocket connection until it closes.
// The application ensures at most one reader per connection by executing
// all reads from this goroutine.
func (s *wsSession) readPump() {
	defer func() {
		if s.release != nil {
			s.release()
		}
		s.conn.Close()
		s.gateway.dropConnection()
		s.gateway.logger.Info("websocket connection closed", "remote_addr", s.conn.RemoteAddr())
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, _, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.gateway.logger.Error("websocket read error", "remote_addr", s.conn.RemoteAddr(), "error", err)
			}
			return
		}
		// Inbound messages on the event socket are ignored.
	}
}

// writePump pumps queued messages to the websocket connection. At most one
// writer per connection runs, from this goroutine.
func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
