package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/config"
)

const (
	HeaderMachineToken = "X-Machine-Token"
	HeaderMachineID    = "X-Machine-Id"
)

// Server exposes a Relay over HTTP: websocket upgrades on any path ending in
// /ws, plus health, metrics and a session snapshot.
type Server struct {
	cfg      config.RelayConfig
	relay    *Relay
	auth     *Authenticator
	upgrader websocket.Upgrader
}

func NewServer(cfg config.RelayConfig, relay *Relay, auth *Authenticator) *Server {
	return &Server{
		cfg:      cfg,
		relay:    relay,
		auth:     auth,
		upgrader: makeUpgrader(cfg.AllowedOrigins),
	}
}

func allowsAll(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := allowsAll(allowedOrigins)
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // agents and CLI tools
			}
			return originSet[origin]
		},
	}
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if allowsAll(s.cfg.AllowedOrigins) {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.cfg.AllowedOrigins
		cfg.AllowCredentials = true
	}
	return cfg
}

func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(s.corsConfig()))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "machines": len(s.relay.MachineIDs())})
	})
	router.GET("/metrics", gin.WrapH(s.relay.Metrics().Handler()))
	router.GET("/api/sessions", gin.WrapH(gzhttp.GzipHandler(http.HandlerFunc(s.handleSessions))))

	router.NoRoute(func(c *gin.Context) {
		if strings.HasSuffix(c.Request.URL.Path, "/ws") {
			s.handleWS(c.Writer, c.Request)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return router
}

// Run serves until ctx is cancelled. A bind failure is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[relay] Listening on %s", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve relay: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) machineAllowed(token string) bool {
	for _, allowed := range s.cfg.MachineTokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(allowed)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if token := r.Header.Get(HeaderMachineToken); token != "" && s.machineAllowed(token) {
		s.serveMachine(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[relay] Browser upgrade failed: %v", err)
		return
	}
	peer := newWSPeer(conn)

	claims, err := s.auth.Verify(bearerToken(r))
	if err != nil {
		log.Printf("[relay] Rejecting browser from %s: %v", r.RemoteAddr, err)
		peer.Close(CloseUnauthorized, "Unauthorized")
		return
	}

	id := s.relay.AddBrowser(peer)
	log.Printf("[relay] Browser connected: %s (%s)", claims.Username, id)
	peer.readLoop(func(data []byte) {
		s.relay.HandleBrowserMessage(id, data)
	})
	s.relay.RemoveBrowser(id)
	peer.Close(websocket.CloseNormalClosure, "")
	log.Printf("[relay] Browser disconnected: %s", id)
}

func (s *Server) serveMachine(w http.ResponseWriter, r *http.Request) {
	machineID := r.Header.Get(HeaderMachineID)
	if machineID == "" {
		machineID = "unknown"
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[relay] Machine upgrade failed: %v", err)
		return
	}
	peer := newWSPeer(conn)
	s.relay.RegisterMachine(machineID, peer)
	peer.readLoop(func(data []byte) {
		s.relay.HandleMachineMessage(machineID, data)
	})
	s.relay.UnregisterMachine(machineID, peer)
	peer.Close(websocket.CloseNormalClosure, "")
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := s.auth.Verify(bearerToken(r)); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"machines": s.relay.MachineIDs(),
		"sessions": s.relay.Sessions(),
	})
}
