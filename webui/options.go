package webui

import (
	"github.com/mudler/LocalDesk/core/dispatch"
	"github.com/mudler/LocalDesk/core/presence"
	"github.com/mudler/LocalDesk/core/provider"
	"github.com/mudler/LocalDesk/core/session"
	"github.com/mudler/LocalDesk/core/sse"
)

type Config struct {
	Dispatcher *dispatch.Dispatcher
	Hub        *sse.Hub
	Sessions   *session.StateStore
	Presence   *presence.Tracker
	Registry   *provider.Registry
	ApiKeys    []string
}

type Option func(*Config)

func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(c *Config) {
		c.Dispatcher = d
	}
}

func WithHub(h *sse.Hub) Option {
	return func(c *Config) {
		c.Hub = h
	}
}

func WithSessions(s *session.StateStore) Option {
	return func(c *Config) {
		c.Sessions = s
	}
}

func WithPresence(p *presence.Tracker) Option {
	return func(c *Config) {
		c.Presence = p
	}
}

func WithRegistry(r *provider.Registry) Option {
	return func(c *Config) {
		c.Registry = r
	}
}

func WithApiKeys(keys ...string) Option {
	return func(c *Config) {
		c.ApiKeys = keys
	}
}

func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{}
	c.Apply(opts...)
	return c
}
