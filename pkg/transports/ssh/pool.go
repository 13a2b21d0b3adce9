package ssh

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Pool keeps one connected Client per host. Clients share the base
// configuration with only the host replaced.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
	base    *Config
	logger  zerolog.Logger
}

// NewPool creates a pool that connects to hosts with base's settings.
func NewPool(base *Config, logger zerolog.Logger) *Pool {
	return &Pool{
		clients: make(map[string]*Client),
		base:    base,
		logger:  logger,
	}
}

// Get returns a connected transport for host, dialing on first use or
// after the previous connection was dropped.
func (p *Pool) Get(ctx context.Context, host string) (Transport, error) {
	p.mu.Lock()
	client, ok := p.clients[host]
	if !ok {
		var err error
		client, err = NewClient(p.base.ForHost(host), p.logger)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.clients[host] = client
	}
	p.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Len returns the number of hosts with a client.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// CloseAll closes every client in the pool.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	var errs []error
	for _, client := range clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
