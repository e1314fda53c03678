package io

import (
	"context"
	"crypto/tls"
	"fmt"
	"io/fs"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slok/flowgate/internal/log"
	"github.com/slok/flowgate/internal/model"
	"github.com/slok/flowgate/internal/sites"
)

// ConfigYAMLRepository loads proxy configuration from YAML files.
type ConfigYAMLRepository struct {
	fs     fs.FS
	logger log.Logger
}

// NewConfigYAMLRepository creates a new YAML config repository. Certificate
// paths inside the configuration are resolved against the same filesystem.
func NewConfigYAMLRepository(filesystem fs.FS, logger log.Logger) *ConfigYAMLRepository {
	return &ConfigYAMLRepository{
		fs:     filesystem,
		logger: logger.WithValues(log.Kv{"svc": "storage.ConfigYAMLRepository"}),
	}
}

// GetConfig loads the proxy configuration from a YAML file and returns a
// validated domain model.
//
// A site whose certificate pair fails to load is kept without certificate
// material: it stays reachable through the plaintext listener and the
// failure is reported, the rest of the configuration is unaffected.
func (r *ConfigYAMLRepository) GetConfig(ctx context.Context, path string) (model.Config, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return model.Config{}, fmt.Errorf("reading config file: %w", err)
	}

	if ctx.Err() != nil {
		return model.Config{}, ctx.Err()
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parsing YAML: %w", err)
	}

	m, err := cfg.toModel(r)
	if err != nil {
		return model.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return m, nil
}

// Config represents the YAML structure for the proxy configuration.
type Config struct {
	HTTPHost             string       `yaml:"http_host"`
	HTTPSHost            string       `yaml:"https_host"`
	ThreadpoolSize       int          `yaml:"threadpool_size"`
	ConnectionTimeout    int          `yaml:"connection_timeout"`
	IncomingIPForwarding string       `yaml:"incoming_ip_forwarding"`
	WebsocketHost        string       `yaml:"websocket_host"`
	Sites                []SiteConfig `yaml:"sites"`
}

// SiteConfig represents the YAML structure for a single site.
type SiteConfig struct {
	Domain           string `yaml:"domain"`
	Host             string `yaml:"host"`
	SSLCert          string `yaml:"ssl_cert"`
	SSLKey           string `yaml:"ssl_key"`
	EnableKeepAlive  *bool  `yaml:"enable_keep_alive"`
	SupportKeepAlive *bool  `yaml:"support_keep_alive"`
	IPForwarding     string `yaml:"ip_forwarding"`
	ReplaceHost      string `yaml:"replace_host"`
}

func (c Config) toModel(r *ConfigYAMLRepository) (model.Config, error) {
	incoming := model.Forwarding{Kind: model.ForwardingNone}
	if c.IncomingIPForwarding != "" {
		var err error
		incoming, err = model.ParseForwarding(c.IncomingIPForwarding)
		if err != nil {
			return model.Config{}, fmt.Errorf("incoming_ip_forwarding: %w", err)
		}
	}

	ms := make([]model.Site, 0, len(c.Sites))
	for _, s := range c.Sites {
		m, err := s.toModel(r)
		if err != nil {
			return model.Config{}, fmt.Errorf("site %q: %w", s.Domain, err)
		}
		ms = append(ms, m)
	}

	m := model.Config{
		Sites:              ms,
		HTTPAddr:           c.HTTPHost,
		HTTPSAddr:          c.HTTPSHost,
		PoolSize:           c.ThreadpoolSize,
		ConnTimeout:        time.Duration(c.ConnectionTimeout) * time.Second,
		IncomingForwarding: incoming,
		ControlAddr:        c.WebsocketHost,
	}

	if err := m.Validate(); err != nil {
		return model.Config{}, err
	}

	return m, nil
}

func (c SiteConfig) toModel(r *ConfigYAMLRepository) (model.Site, error) {
	// Sites default to the header scheme with the standard header name.
	fwd := model.Forwarding{Kind: model.ForwardingHeader, HeaderName: model.DefaultForwardingHeader}
	if c.IPForwarding != "" {
		var err error
		fwd, err = model.ParseForwarding(c.IPForwarding)
		if err != nil {
			return model.Site{}, fmt.Errorf("ip_forwarding: %w", err)
		}
	}

	m := model.Site{
		Domain:           c.Domain,
		Host:             c.Host,
		EnableKeepAlive:  c.EnableKeepAlive == nil || *c.EnableKeepAlive,
		SupportKeepAlive: c.SupportKeepAlive == nil || *c.SupportKeepAlive,
		Forwarding:       fwd,
		ReplaceHost:      c.ReplaceHost,
	}

	if c.SSLCert != "" {
		cert, err := r.loadCertificate(c.SSLCert, c.SSLKey)
		if err != nil {
			// The site stays plaintext-only, don't take the whole config down.
			r.logger.Errorf("Site %q certificate unusable, TLS disabled for it: %v", c.Domain, err)
		}
		m.Certificate = cert
	}

	return m, nil
}

func (r *ConfigYAMLRepository) loadCertificate(certPath, keyPath string) (*tls.Certificate, error) {
	certPEM, err := fs.ReadFile(r.fs, certPath)
	if err != nil {
		return nil, fmt.Errorf("reading certificate file: %w: %w", model.ErrCertLoad, err)
	}
	keyPEM, err := fs.ReadFile(r.fs, keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w: %w", model.ErrCertLoad, err)
	}

	return sites.LoadCertificate(certPEM, keyPEM)
}
