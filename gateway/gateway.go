package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/mineguard/mineguard/config"
	"github.com/mineguard/mineguard/registry"
)

/*
	Gateway is the only component aware of the external request/response
	shape. It translates inbound HTTP requests into registry calls, maps
	domain errors to boundary error codes, and exposes the event stream
	over websockets. Fan-out never blocks the registry: each subscriber
	owns a bounded queue that drops its oldest entries under pressure.
*/

type Gateway struct {
	logger   *slog.Logger
	registry *registry.Registry
	cfg      config.Gateway

	rootToken string

	upgrader websocket.Upgrader
	limiters *ttlcache.Cache[string, *rate.Limiter]

	wsConnLock sync.Mutex
	activeWs   int
}

func New(logger *slog.Logger, reg *registry.Registry, cfg config.Gateway) *Gateway {
	limiters := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](time.Minute),
		ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
	)
	go limiters.Start()

	secretHash := sha256.Sum256([]byte(cfg.Secret))

	return &Gateway{
		logger:    logger.WithGroup("gateway"),
		registry:  reg,
		cfg:       cfg,
		rootToken: hex.EncodeToString(secretHash[:]),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Sessions.WebSocketReadBufferSize,
			WriteBufferSize: cfg.Sessions.WebSocketWriteBufferSize,
		},
		limiters: limiters,
	}
}

func (g *Gateway) BindRoutes(mux *http.ServeMux) {
	// POST, command surface
	mux.HandleFunc("/api/v1/instances/create", g.withMiddlewares(g.createHandler))
	mux.HandleFunc("/api/v1/instances/delete", g.withMiddlewares(g.deleteHandler))
	mux.HandleFunc("/api/v1/instances/start", g.withMiddlewares(g.commandHandler(startCommand)))
	mux.HandleFunc("/api/v1/instances/stop", g.withMiddlewares(g.commandHandler(stopCommand)))
	mux.HandleFunc("/api/v1/instances/restart", g.withMiddlewares(g.commandHandler(restartCommand)))
	mux.HandleFunc("/api/v1/instances/kill", g.withMiddlewares(g.commandHandler(killCommand)))
	mux.HandleFunc("/api/v1/instances/ack", g.withMiddlewares(g.commandHandler(ackCommand)))
	mux.HandleFunc("/api/v1/instances/console/send", g.withMiddlewares(g.consoleSendHandler))

	// GET, query surface
	mux.HandleFunc("/api/v1/instances/list", g.withMiddlewares(g.listHandler))
	mux.HandleFunc("/api/v1/instances/status", g.withMiddlewares(g.statusHandler))
	mux.HandleFunc("/api/v1/instances/console/tail", g.withMiddlewares(g.consoleTailHandler))

	// Websocket streams
	mux.HandleFunc("/api/v1/events", g.withMiddlewares(g.eventsHandler))
	mux.HandleFunc("/api/v1/console", g.withMiddlewares(g.consoleStreamHandler))
}

func (g *Gateway) withMiddlewares(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !g.validateToken(r) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		limiter := g.getRateLimiter(r)
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}

		next(w, r)
	}
}

func (g *Gateway) validateToken(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		// Websocket clients can't always set headers; allow a query token.
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.rootToken)) == 1
}

func (g *Gateway) getRateLimiter(r *http.Request) *rate.Limiter {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	if item := g.limiters.Get(host); item != nil {
		return item.Value()
	}

	limiter := rate.NewLimiter(rate.Limit(g.cfg.RateLimiter.Limit), g.cfg.RateLimiter.Burst)
	g.limiters.Set(host, limiter, ttlcache.DefaultTTL)
	return limiter
}
