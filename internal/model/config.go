package model

import (
	"fmt"
	"time"
)

const (
	// DefaultPoolSize is the worker pool size when the configuration omits it.
	DefaultPoolSize = 10
	// DefaultConnTimeout is the per-connection read/write timeout when the
	// configuration omits it.
	DefaultConnTimeout = 10 * time.Second
)

// Config is the proxy configuration, immutable once loaded. Only the site
// list may change afterwards, and only through the control channel.
type Config struct {
	// Sites is the ordered site list, lookups are first-match-wins.
	Sites []Site
	// HTTPAddr is the plaintext "host:port" listen address.
	HTTPAddr string
	// HTTPSAddr is the TLS "host:port" listen address.
	HTTPSAddr string
	// PoolSize is the TLS listener worker pool size.
	PoolSize int
	// ConnTimeout is the read/write timeout applied to every connection.
	ConnTimeout time.Duration
	// IncomingForwarding is the scheme an upstream proxy in front of us uses
	// to hand over the original client address.
	IncomingForwarding Forwarding
	// ControlAddr is the optional websocket control channel listen address.
	// Empty disables the channel.
	ControlAddr string
}

// Validate checks the configuration invariants and applies defaults.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("http listen address is required: %w", ErrNotValid)
	}
	if c.HTTPSAddr == "" {
		return fmt.Errorf("https listen address is required: %w", ErrNotValid)
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = DefaultConnTimeout
	}
	if c.IncomingForwarding.Kind == "" {
		c.IncomingForwarding = Forwarding{Kind: ForwardingNone}
	}

	for _, s := range c.Sites {
		if err := s.validate(); err != nil {
			return err
		}
	}

	return nil
}
