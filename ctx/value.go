package ctx

import (
	"context"
)

type Sid string

func (s Sid) String() string {
	return string(s)
}

// sidKey saves the session ID of the flow.
type sidKey struct{}

var keySid sidKey

func ContextWithSid(ctx context.Context, sid Sid) context.Context {
	return context.WithValue(ctx, keySid, sid)
}

func SidFromContext(ctx context.Context) Sid {
	v, _ := ctx.Value(keySid).(Sid)
	return v
}

type ClientAddr string

func (a ClientAddr) String() string {
	return string(a)
}

// clientAddrKey saves the source address of the flow.
type clientAddrKey struct{}

var keyClientAddr clientAddrKey

func ContextWithClientAddr(ctx context.Context, addr ClientAddr) context.Context {
	return context.WithValue(ctx, keyClientAddr, addr)
}

func ClientAddrFromContext(ctx context.Context) ClientAddr {
	v, _ := ctx.Value(keyClientAddr).(ClientAddr)
	return v
}
