package inbound

import (
	"context"
	"net"
)

// Request is one accepted flow with its requested destination. The
// handler owns Conn once Serve is called.
type Request struct {
	Conn    net.Conn
	Network string
	// Address is the requested destination as host:port; the host may
	// be a domain or an IP literal depending on the inbound protocol.
	Address string
	// Inbound names the accepting adapter, for sessions and audit.
	Inbound string
	// Ack reports the connect outcome to the client in the inbound
	// protocol's own vocabulary. It must be called exactly once, before
	// any payload is relayed; a nil error means established.
	Ack func(err error) error
}

// Handler consumes accepted flows.
type Handler interface {
	Serve(ctx context.Context, req *Request)
}

type HandlerFunc func(ctx context.Context, req *Request)

func (f HandlerFunc) Serve(ctx context.Context, req *Request) {
	f(ctx, req)
}

// Server accepts flows and feeds them to a handler.
type Server interface {
	ListenAndServe(ctx context.Context, handler Handler) error
	Addr() net.Addr
	Close() error
}
