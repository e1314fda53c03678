// Package control implements the optional websocket control channel used
// to update the site table of a running proxy.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/slok/flowgate/internal/log"
	"github.com/slok/flowgate/internal/model"
	"github.com/slok/flowgate/internal/sites"
)

// ServerConfig is the configuration for the control channel server.
type ServerConfig struct {
	// ListenAddr is the websocket listen address.
	ListenAddr string
	// Sites is the table live updates are applied to.
	Sites  *sites.Table
	Logger log.Logger
}

func (c *ServerConfig) defaults() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Sites == nil {
		return fmt.Errorf("site table is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "control.Server"})
	return nil
}

// Server accepts websocket clients and applies their site updates.
// Messages are JSON text frames, unknown message types are ignored.
type Server struct {
	server *http.Server
	sites  *sites.Table
	logger log.Logger
}

// NewServer creates a new control channel server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid control config: %w", err)
	}

	s := &Server{
		sites:  cfg.Sites,
		logger: cfg.Logger,
	}
	s.server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s,
	}

	return s, nil
}

// Run starts the control channel and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Control channel listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("control server error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("control shutdown error: %w", err)
		}
		return nil
	}
}

var upgrader = websocket.Upgrader{
	// The channel is meant for same-host tooling, no origin policy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeHTTP upgrades the client and consumes its messages until it
// disconnects or sends a malformed update.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warningf("Client upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	logger := s.logger.WithValues(log.Kv{"client": conn.RemoteAddr().String()})
	logger.Debugf("Control client connected")

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debugf("Control client gone: %v", err)
			return
		}
		if msgType != websocket.TextMessage {
			return
		}

		if err := s.handleMessage(data); err != nil {
			logger.Warningf("Dropping control client: %v", err)
			return
		}
	}
}

// setSiteMessage is the only message type the channel understands.
type setSiteMessage struct {
	Type             string `json:"type"`
	Domain           string `json:"domain"`
	Host             string `json:"host"`
	EnableKeepAlive  bool   `json:"enable_keep_alive"`
	SupportKeepAlive bool   `json:"support_keep_alive"`
	IPForwarding     string `json:"ip_forwarding"`
}

func (s *Server) handleMessage(data []byte) error {
	var msg setSiteMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		// Not JSON, nothing to apply.
		return nil
	}

	if msg.Type != "set_site" {
		return nil
	}

	if msg.Domain == "" || msg.Host == "" {
		return fmt.Errorf("set_site needs domain and host: %w", model.ErrNotValid)
	}
	fwd, err := model.ParseForwarding(msg.IPForwarding)
	if err != nil {
		return fmt.Errorf("set_site forwarding: %w", err)
	}

	s.sites.Upsert(msg.Domain, msg.Host, msg.EnableKeepAlive, msg.SupportKeepAlive, fwd)
	s.logger.Infof("Site %q updated, backend %s", msg.Domain, msg.Host)

	return nil
}
