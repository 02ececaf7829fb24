package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/seamgate/seamgate/audit"
	"github.com/seamgate/seamgate/logger"
)

var (
	ErrNotFound = errors.New("session: not found")
	ErrDup      = errors.New("session: duplicate id")
)

type registryOptions struct {
	sink       audit.Sink
	closedTTL  time.Duration
	logger     logger.Logger
}

type RegistryOption func(opts *registryOptions)

func SinkRegistryOption(sink audit.Sink) RegistryOption {
	return func(opts *registryOptions) {
		opts.sink = sink
	}
}

// ClosedTTLRegistryOption controls how long finished sessions stay
// visible to the query surface.
func ClosedTTLRegistryOption(ttl time.Duration) RegistryOption {
	return func(opts *registryOptions) {
		opts.closedTTL = ttl
	}
}

func LoggerRegistryOption(logger logger.Logger) RegistryOption {
	return func(opts *registryOptions) {
		opts.logger = logger
	}
}

// Registry is the concurrent table of in-flight and recently-closed flows.
type Registry struct {
	active  sync.Map // id -> *Session
	closed  *cache.Cache
	options registryOptions
}

func NewRegistry(opts ...RegistryOption) *Registry {
	options := registryOptions{
		closedTTL: time.Hour,
		logger:    logger.Default().WithFields(map[string]any{"kind": "registry"}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Registry{
		closed:  cache.New(options.closedTTL, 10*time.Minute),
		options: options,
	}
}

func (r *Registry) Register(s *Session) error {
	if s == nil {
		return nil
	}
	if _, loaded := r.active.LoadOrStore(s.ID(), s); loaded {
		return ErrDup
	}
	return nil
}

// Lookup returns a point-in-time snapshot of the session, active or
// recently closed.
func (r *Registry) Lookup(id string) (Snapshot, error) {
	if v, ok := r.active.Load(id); ok {
		return v.(*Session).Snapshot(), nil
	}
	if v, ok := r.closed.Get(id); ok {
		return v.(Snapshot), nil
	}
	return Snapshot{}, ErrNotFound
}

// Close finalizes the session with the given reason. It is idempotent: a
// second close for the same id is a no-op and does not re-emit the audit
// record.
func (r *Registry) Close(id string, reason CloseReason) {
	v, ok := r.active.Load(id)
	if !ok {
		return
	}
	s := v.(*Session)
	if !s.finalize(reason) {
		return
	}
	r.active.Delete(id)
	r.closed.SetDefault(id, s.Snapshot())

	if sink := r.options.sink; sink != nil {
		if err := sink.Record(context.Background(), s.auditRecord()); err != nil {
			r.options.logger.Warnf("audit %s: %v", id, err)
		}
	}
}

// CloseAll finalizes every active session with the given reason.
func (r *Registry) CloseAll(reason CloseReason) {
	r.active.Range(func(key, _ any) bool {
		r.Close(key.(string), reason)
		return true
	})
}

// ListActive returns point-in-time snapshots of all in-flight sessions.
func (r *Registry) ListActive() []Snapshot {
	var list []Snapshot
	r.active.Range(func(_, v any) bool {
		list = append(list, v.(*Session).Snapshot())
		return true
	})
	return list
}

// ListClosed returns snapshots of recently closed sessions still within
// the retention window.
func (r *Registry) ListClosed() []Snapshot {
	items := r.closed.Items()
	list := make([]Snapshot, 0, len(items))
	for _, item := range items {
		list = append(list, item.Object.(Snapshot))
	}
	return list
}
