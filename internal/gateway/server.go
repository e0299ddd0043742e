// Package gateway implements the clawgate control-plane server: the
// WebSocket endpoint every client connects through, the handshake state
// machine, request dispatch, presence tracking and the node bridge.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clawgate/clawgate/internal/config"
	"github.com/clawgate/clawgate/internal/gateway/bridge"
	"github.com/clawgate/clawgate/internal/gateway/protocol"
	"github.com/clawgate/clawgate/internal/security"
	"github.com/clawgate/clawgate/internal/system/audit"
	"github.com/clawgate/clawgate/internal/trust"
)

const sendQueueFrames = 256

// Server is the gateway server. All mutable registries (presence, health,
// bridge, connection table) are owned here and injected into the pieces that
// need them, so isolated instances can run side by side in tests.
type Server struct {
	cfg      *config.Config
	cfgCache *config.Cache
	logger   *slog.Logger
	version  string
	listener net.Listener

	httpServer *http.Server
	upgrader   websocket.Upgrader

	dispatcher *Dispatcher
	authorizer Authorizer
	presence   *Presence
	health     *HealthCache
	bridge     *bridge.Registry
	trust      *trust.Store
	audit      *audit.Store

	conns map[string]*Conn
	mu    sync.RWMutex

	// Shutdown coordination.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer wires a gateway instance: trust store, bridge registry, dispatch
// table and auth policy.
func NewServer(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	trustStore, err := trust.NewStore(trust.Config{Dir: cfg.Node.TrustDir})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open trust store: %w", err)
	}

	log := logger.With("component", "gateway")
	s := &Server{
		cfg:      cfg,
		cfgCache: config.NewCache(cfg, 2*time.Second),
		logger:   log,
		version:  version,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// The handshake itself authenticates; origin alone proves nothing.
				return true
			},
		},
		dispatcher: NewDispatcher(log),
		presence:   NewPresence(),
		bridge:     bridge.NewRegistry(log, time.Duration(cfg.Node.InvokeTimeoutMs)*time.Millisecond),
		trust:      trustStore,
		conns:      make(map[string]*Conn),
		ctx:        ctx,
		cancel:     cancel,
	}
	if cfg.Audit.Enabled {
		auditStore, err := audit.NewStore(audit.Config{
			Dir:        cfg.Audit.Dir,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
			MaxRecords: cfg.Audit.MaxRecords,
		})
		if err != nil {
			// The gateway still works without the trail.
			log.Warn("audit store unavailable", "error", err)
		} else {
			s.audit = auditStore
		}
	}

	s.authorizer = NewConnectAuthorizer(cfg.Gateway.Auth, trustStore)
	s.health = NewHealthCache(log, HealthSources{
		Connections:    s.ConnCount,
		NodesConnected: s.bridge.Count,
		NodesPaired:    trustStore.PairedCount,
	})

	limit := cfg.Node.PairRate.Limit
	window := time.Duration(cfg.Node.PairRate.WindowSeconds) * time.Second
	nodeHandlers := &NodeHandlers{
		logger:      log,
		trust:       trustStore,
		bridge:      s.bridge,
		broadcaster: s,
		pairLimiter: security.NewSlidingWindowLimiter(limit, window),
		audit:       s.audit,
	}
	if err := s.dispatcher.Register(nodeHandlers); err != nil {
		cancel()
		return nil, err
	}
	if err := s.dispatcher.Register(&SystemHandlers{server: s}); err != nil {
		cancel()
		return nil, err
	}

	return s, nil
}

// SetAuthorizer swaps the connect auth policy. Must be called before Start.
func (s *Server) SetAuthorizer(a Authorizer) { s.authorizer = a }

// RegisterHandlers adds a business handler group to the dispatch table.
// Must be called before Start.
func (s *Server) RegisterHandlers(group HandlerGroup) error {
	return s.dispatcher.Register(group)
}

// Start begins listening for incoming connections.
func (s *Server) Start() error {
	host := "127.0.0.1"
	if s.cfg.Gateway.Bind == "all" {
		host = "0.0.0.0"
	}
	addr := fmt.Sprintf("%s:%d", host, s.cfg.Gateway.Port)

	var err error
	s.listener, err = net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/", s.handleRoot)
	router.GET("/api/health", s.handleHealth)
	router.GET("/api/status", s.handleStatus)

	s.httpServer = &http.Server{
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", addr)
	s.recordAudit(&audit.Entry{Action: audit.ActionSystem, Method: "gateway.start", Detail: addr})
	return nil
}

// recordAudit writes to the audit trail when one is configured. Failures are
// logged but never surfaced to the caller.
func (s *Server) recordAudit(e *audit.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(e); err != nil {
		s.logger.Warn("audit write failed", "method", e.Method, "error", err)
	}
}

// Address returns the address the server is listening on.
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.cancel()
	s.recordAudit(&audit.Entry{Action: audit.ActionSystem, Method: "gateway.stop"})

	s.mu.Lock()
	for id, c := range s.conns {
		s.logger.Debug("closing connection", "connId", id)
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}
	if s.audit != nil {
		_, _ = s.audit.Cleanup(s.cfg.Audit.MaxAgeDays, s.cfg.Audit.MaxRecords)
		_ = s.audit.Close()
	}
	return s.trust.Close()
}

// ConnCount returns the number of accepted sockets.
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) removeConn(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// handleRoot upgrades WebSocket requests and serves a minimal status page to
// plain browsers.
func (s *Server) handleRoot(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.Header("Content-Type", "text/html")
		c.String(http.StatusOK, `<!DOCTYPE html>
<html>
<head><title>clawgate</title></head>
<body>
<h1>clawgate gateway</h1>
<p>Connect over WebSocket to use the control plane.</p>
</body>
</html>`)
		return
	}

	meta := connMetaFromRequest(c.Request)
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	conn := newConn(uuid.NewString(), ws, s, meta)
	s.mu.Lock()
	s.conns[conn.id] = conn
	s.mu.Unlock()

	s.logger.Info("socket accepted", "connId", conn.id, "remote", meta.RemoteAddr)

	go conn.writePump()
	go conn.readPump()
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.health.Snapshot()
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"version":    s.version,
		"clients":    s.ConnCount(),
		"presence":   s.presence.Count(),
		"nodes":      s.bridge.Count(),
		"configHash": s.cfgCache.Hash(),
	})
}

// Broadcast fans an event out to every connected socket. Delivery uses each
// connection's bounded queue: a slow consumer loses the event, the
// broadcaster never blocks.
func (s *Server) Broadcast(event string, payload any) {
	data, err := protocol.EncodeEvent(event, payload)
	if err != nil {
		s.logger.Error("broadcast marshal failed", "event", event, "error", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conns {
		c.mu.Lock()
		connected := c.state == stateConnected
		c.mu.Unlock()
		if connected {
			c.trySend(data)
		}
	}
}

func (s *Server) broadcastPresence() {
	s.Broadcast(protocol.EventPresenceChanged, map[string]any{
		"presence": s.presence.Snapshot(),
	})
}

// buildHelloOk assembles the handshake reply payload: negotiated protocol,
// server identity, the advertised catalog, the state snapshot and transport
// policy limits.
func (s *Server) buildHelloOk(connID string) *protocol.HelloOk {
	health := s.health.Snapshot()
	return &protocol.HelloOk{
		Type:     "hello-ok",
		Protocol: protocol.ProtocolVersion,
		Server: protocol.ServerInfo{
			Name:    "clawgate",
			Version: s.version,
			ConnID:  connID,
		},
		Methods: s.dispatcher.MethodNames(),
		Events: []string{
			protocol.EventPairRequested,
			protocol.EventPairResolved,
			protocol.EventPresenceChanged,
			protocol.EventNodeConnected,
			protocol.EventNodeDisconnect,
		},
		Snapshot: protocol.Snapshot{
			Presence: s.presence.Snapshot(),
			Health:   &health,
		},
		Policy: protocol.TransportPolicy{
			MaxPayloadBytes:  s.cfg.Gateway.MaxPayloadBytes,
			MaxBufferedBytes: s.cfg.Gateway.MaxBufferedBytes,
			TickIntervalMs:   s.cfg.Gateway.TickIntervalMs,
		},
	}
}

func (s *Server) handshakeTimeout() time.Duration {
	if ms := s.cfg.Gateway.HandshakeTimeoutMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 10 * time.Second
}

func (s *Server) tickInterval() time.Duration {
	if ms := s.cfg.Gateway.TickIntervalMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 30 * time.Second
}

func (s *Server) sendQueueLen() int { return sendQueueFrames }
