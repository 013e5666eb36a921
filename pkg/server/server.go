package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parley-chat/parley/pkg/store"
)

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

func init() {
	// Tests and library users get sane loggers without calling initLoggers.
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
}

// ServerConfig holds the resolved runtime configuration.
type ServerConfig struct {
	Port                   int
	MetricsPort            int
	JWTSecret              string
	MaxMessageLength       int
	SessionTimeoutSeconds  int
	SendBufferSize         int
	MaxCatchupEvents       int
	OfflineGraceSeconds    int
	TypingTimeoutSeconds   int
	RetentionHours         int
	CleanupIntervalMinutes int
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	BridgeEnabled          bool
}

// ToServerConfig flattens the TOML structure into runtime configuration.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	return ServerConfig{
		Port:                   c.Server.Port,
		MetricsPort:            c.Server.MetricsPort,
		JWTSecret:              c.Server.JWTSecret,
		MaxMessageLength:       c.Limits.MaxMessageLength,
		SessionTimeoutSeconds:  c.Limits.SessionTimeoutSeconds,
		SendBufferSize:         c.Limits.SendBufferSize,
		MaxCatchupEvents:       c.Limits.MaxCatchupEvents,
		OfflineGraceSeconds:    c.Presence.OfflineGraceSeconds,
		TypingTimeoutSeconds:   c.Presence.TypingTimeoutSeconds,
		RetentionHours:         c.Retention.RetentionHours,
		CleanupIntervalMinutes: c.Retention.CleanupIntervalMinutes,
		RedisAddr:              c.Redis.Addr,
		RedisPassword:          c.Redis.Password,
		RedisDB:                c.Redis.DB,
		BridgeEnabled:          c.Redis.BridgeEnabled,
	}
}

// Server wires the registry, membership, presence, typing, reconciler and
// router around one durable store and serves them over a websocket
// endpoint.
type Server struct {
	db       *store.Store
	config   ServerConfig
	verifier Verifier

	registry   *Registry
	membership *Membership
	presence   *Presence
	typing     *Typing
	reconciler *Reconciler
	router     *Router
	metrics    *Metrics

	rdb    *redis.Client
	bridge *Bridge

	publicSrv   *http.Server
	internalSrv *http.Server

	shutdown  chan struct{}
	wg        sync.WaitGroup
	startTime time.Time
}

// NewServer opens the store at dbPath and assembles a server. The JWT
// secret must be set; use SetVerifier to substitute a different identity
// scheme.
func NewServer(dbPath string, config ServerConfig) (*Server, error) {
	if config.JWTSecret == "" {
		return nil, fmt.Errorf("jwt_secret is not configured")
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	var rdb *redis.Client
	if config.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
			DB:       config.RedisDB,
		})
	}

	metrics := NewMetrics()
	registry := NewRegistry()
	registry.SetMetrics(metrics)
	membership := NewMembership(db, registry)
	membership.SetMetrics(metrics)
	presence := NewPresence(db, registry, membership,
		time.Duration(config.OfflineGraceSeconds)*time.Second, rdb)
	typing := NewTyping(membership, time.Duration(config.TypingTimeoutSeconds)*time.Second)
	reconciler := NewReconciler(db, metrics, config.MaxCatchupEvents)
	router := NewRouter(db, registry, membership, presence, typing, reconciler,
		metrics, config.MaxMessageLength)

	s := &Server{
		db:         db,
		config:     config,
		verifier:   NewJWTVerifier(config.JWTSecret),
		registry:   registry,
		membership: membership,
		presence:   presence,
		typing:     typing,
		reconciler: reconciler,
		router:     router,
		metrics:    metrics,
		rdb:        rdb,
		shutdown:   make(chan struct{}),
		startTime:  time.Now(),
	}
	router.SetOverflowHandler(s.dropConn)

	if rdb != nil && config.BridgeEnabled {
		s.bridge = NewBridge(rdb, router)
		router.SetBridge(s.bridge)
	}

	return s, nil
}

// SetVerifier replaces the credential verifier. Must be called before
// Start.
func (s *Server) SetVerifier(v Verifier) {
	s.verifier = v
}

// Store exposes the durable store for the provisioning API and tests.
func (s *Server) Store() *store.Store {
	return s.db
}

// EnableDebugLogging sends debug output to stderr.
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start begins serving. Non-blocking; errors from the listeners are
// logged.
func (s *Server) Start() error {
	if s.bridge != nil {
		s.bridge.Start()
	}

	// Internal listener: metrics, health, provisioning. Never expose
	// publicly.
	internalMux := http.NewServeMux()
	internalMux.Handle("/metrics", s.metrics.Handler())
	internalMux.HandleFunc("/health", s.HealthHandler)
	s.registerAdminRoutes(internalMux)
	s.internalSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.MetricsPort),
		Handler: internalMux,
	}
	go func() {
		log.Printf("Internal server listening on :%d (/metrics, /health, /internal) - INTERNAL ONLY", s.config.MetricsPort)
		if err := s.internalSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("Internal server error: %v", err)
		}
	}()

	publicMux := http.NewServeMux()
	publicMux.HandleFunc("/ws", s.HandleWebSocket)
	s.publicSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: publicMux,
	}
	go func() {
		log.Printf("Websocket server listening on :%d (/ws)", s.config.Port)
		if err := s.publicSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("Websocket server error: %v", err)
		}
	}()

	s.wg.Add(1)
	go s.idleSweepLoop()

	if s.config.RetentionHours > 0 {
		s.wg.Add(1)
		go s.retentionLoop()
	}

	if s.rdb != nil {
		s.wg.Add(1)
		go s.mirrorRefreshLoop()
	}

	return nil
}

// Stop performs a graceful shutdown.
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")
	close(s.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.publicSrv != nil {
		s.publicSrv.Shutdown(ctx)
	}
	if s.internalSrv != nil {
		s.internalSrv.Shutdown(ctx)
	}

	if s.bridge != nil {
		s.bridge.Stop()
	}

	log.Println("Closing all client connections...")
	s.registry.CloseAll()
	s.typing.StopAllTimers()
	s.presence.Stop()

	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	if s.rdb != nil {
		s.rdb.Close()
	}

	if err := s.db.Close(); err != nil {
		errorLog.Printf("Error closing store: %v", err)
		return err
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// dropConn runs the full disconnect path for a connection: deregister,
// unsubscribe, settle typing, and start the presence grace timer when it
// was the user's last device.
func (s *Server) dropConn(conn *Conn) {
	userID, remaining, ok := s.registry.Deregister(conn.ID)
	if !ok {
		conn.Close()
		return
	}
	s.membership.DropConn(conn.ID)
	if remaining == 0 {
		s.typing.UserGone(userID)
	}
	s.presence.ConnOffline(userID, remaining)
	debugLog.Printf("Connection %s closed for user %s (%d remaining)", conn.ID, userID, remaining)
}

// idleSweepLoop drops connections with no activity inside the session
// timeout.
func (s *Server) idleSweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	timeout := time.Duration(s.config.SessionTimeoutSeconds) * time.Second
	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			for _, conn := range s.registry.Stale(timeout) {
				debugLog.Printf("Closing stale connection %s (inactive for %v)", conn.ID, timeout)
				s.dropConn(conn)
			}
		}
	}
}

// retentionLoop trims events past the retention window.
func (s *Server) retentionLoop() {
	defer s.wg.Done()

	interval := time.Duration(s.config.CleanupIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.trimExpired()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.trimExpired()
		}
	}
}

func (s *Server) trimExpired() {
	cutoff := time.Now().Add(-time.Duration(s.config.RetentionHours) * time.Hour).UnixMilli()
	count, err := s.db.TrimOlderThan(cutoff)
	if err != nil {
		errorLog.Printf("Retention trim failed: %v", err)
		return
	}
	if count > 0 {
		log.Printf("Trimmed %d expired events", count)
	}
}

// mirrorRefreshLoop keeps redis presence keys alive while users stay
// online.
func (s *Server) mirrorRefreshLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.presence.RefreshMirrors()
		}
	}
}

// HealthHandler reports liveness plus a few load numbers.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"connections":    s.registry.Count(),
		"active_chats":   s.membership.ActiveChatCount(),
	})
}
