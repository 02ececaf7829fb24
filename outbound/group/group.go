package group

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/seamgate/seamgate/logger"
	"github.com/seamgate/seamgate/outbound"
)

type options struct {
	tryTimeout time.Duration
	logger     logger.Logger
}

type Option func(opts *options)

// TryTimeoutOption bounds each member attempt so one hung member cannot
// starve the rest of the group.
func TryTimeoutOption(timeout time.Duration) Option {
	return func(opts *options) {
		opts.tryTimeout = timeout
	}
}

func LoggerOption(logger logger.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// Group is an ordered fallback over member outbounds: connect through
// the first member, on failure move to the next, and fail only when the
// whole list is exhausted.
type Group struct {
	name    string
	members []outbound.Adapter
	options options
}

func New(name string, members []outbound.Adapter, opts ...Option) (*Group, error) {
	options := options{
		tryTimeout: 10 * time.Second,
		logger:     logger.Default().WithFields(map[string]any{"outbound": name}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	if len(members) == 0 {
		return nil, fmt.Errorf("group %s: no members", name)
	}

	return &Group{
		name:    name,
		members: members,
		options: options,
	}, nil
}

func (g *Group) Name() string {
	return g.name
}

// Members lists the member ids in fallback order.
func (g *Group) Members() []string {
	names := make([]string, 0, len(g.members))
	for _, m := range g.members {
		names = append(names, m.Name())
	}
	return names
}

func (g *Group) Connect(ctx context.Context, network, address string) (net.Conn, error) {
	for i, m := range g.members {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tryCtx := ctx
		var cancel context.CancelFunc
		if g.options.tryTimeout > 0 {
			tryCtx, cancel = context.WithTimeout(ctx, g.options.tryTimeout)
		}
		conn, err := m.Connect(tryCtx, network, address)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			if i > 0 {
				g.options.logger.Infof("connect %s: fell back to %s", address, m.Name())
			}
			return conn, nil
		}
		g.options.logger.Warnf("connect %s via %s: %v", address, m.Name(), err)
	}
	return nil, fmt.Errorf("%w: %s", outbound.ErrAllOutboundsFailed, g.name)
}

func (g *Group) Close() error {
	return nil
}
