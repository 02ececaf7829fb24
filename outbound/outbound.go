package outbound

import (
	"context"
	"errors"
	"net"
	"sync"
)

var (
	// ErrUnknownOutbound reports a rule action referencing an outbound id
	// that is not in the pool.
	ErrUnknownOutbound = errors.New("outbound: unknown outbound")
	// ErrAllOutboundsFailed reports that every member of a fallback group
	// failed to produce a stream.
	ErrAllOutboundsFailed = errors.New("outbound: all outbounds failed")
)

// Adapter turns a destination address into an established byte stream.
// Implementations carry their own transport (plain TCP, CONNECT tunnel,
// SOCKS5, AEAD cipher stream, TLS, or a userspace tunnel) behind the
// same contract.
type Adapter interface {
	// Name is the pool id of this outbound.
	Name() string
	// Connect establishes a stream to address through this outbound.
	Connect(ctx context.Context, network, address string) (net.Conn, error)
	// Close releases any long-lived resources held by the adapter.
	Close() error
}

// Pool is the id-keyed set of configured outbounds.
type Pool struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewPool() *Pool {
	return &Pool{
		adapters: make(map[string]Adapter),
	}
}

func (p *Pool) Register(a Adapter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.adapters[a.Name()]; ok {
		return errors.New("outbound: duplicate outbound " + a.Name())
	}
	p.adapters[a.Name()] = a
	return nil
}

func (p *Pool) Get(name string) (Adapter, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if a, ok := p.adapters[name]; ok {
		return a, nil
	}
	return nil, ErrUnknownOutbound
}

func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.adapters))
	for name := range p.adapters {
		names = append(names, name)
	}
	return names
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.adapters {
		a.Close()
	}
	p.adapters = make(map[string]Adapter)
	return nil
}
