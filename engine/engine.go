package engine

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	sgctx "github.com/seamgate/seamgate/ctx"
	"github.com/seamgate/seamgate/inbound"
	"github.com/seamgate/seamgate/intercept"
	"github.com/seamgate/seamgate/internal/process"
	"github.com/seamgate/seamgate/logger"
	"github.com/seamgate/seamgate/outbound"
	"github.com/seamgate/seamgate/relay"
	"github.com/seamgate/seamgate/rules"
	"github.com/seamgate/seamgate/session"
)

var ErrRejected = errors.New("engine: rejected by rule")

// DirectOutbound is the reserved pool id of the plain dialer used for
// direct routing.
const DirectOutbound = "direct"

type options struct {
	processLookup  bool
	connectTimeout time.Duration
	idleTimeout    time.Duration
	logger         logger.Logger
}

type Option func(opts *options)

// ProcessLookupOption enables local process attribution of flows whose
// source is on this host.
func ProcessLookupOption(enable bool) Option {
	return func(opts *options) {
		opts.processLookup = enable
	}
}

func ConnectTimeoutOption(timeout time.Duration) Option {
	return func(opts *options) {
		opts.connectTimeout = timeout
	}
}

func IdleTimeoutOption(timeout time.Duration) Option {
	return func(opts *options) {
		opts.idleTimeout = timeout
	}
}

func LoggerOption(logger logger.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// Engine drives each accepted flow through its lifecycle: rule
// evaluation, outbound connect or TLS termination, relay, close and
// audit.
type Engine struct {
	rules    *rules.Engine
	pool     *outbound.Pool
	registry *session.Registry
	options  options

	mu          sync.RWMutex
	interceptor *intercept.Interceptor
}

func New(ruleEngine *rules.Engine, pool *outbound.Pool, registry *session.Registry, opts ...Option) *Engine {
	options := options{
		connectTimeout: 15 * time.Second,
		idleTimeout:    5 * time.Minute,
		logger:         logger.Default().WithFields(map[string]any{"kind": "engine"}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Engine{
		rules:    ruleEngine,
		pool:     pool,
		registry: registry,
		options:  options,
	}
}

// SetInterceptor installs the TLS interceptor. It is set after
// construction because the interceptor dials back through this engine.
func (e *Engine) SetInterceptor(i *intercept.Interceptor) {
	e.mu.Lock()
	e.interceptor = i
	e.mu.Unlock()
}

func (e *Engine) Interceptor() *intercept.Interceptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.interceptor
}

func (e *Engine) Rules() *rules.Engine {
	return e.rules
}

func (e *Engine) Pool() *outbound.Pool {
	return e.pool
}

func (e *Engine) Registry() *session.Registry {
	return e.registry
}

// Serve implements inbound.Handler.
func (e *Engine) Serve(ctx context.Context, req *inbound.Request) {
	defer req.Conn.Close()

	var src string
	if ra := req.Conn.RemoteAddr(); ra != nil {
		src = ra.String()
	}

	opts := []session.Option{
		session.NetworkOption(req.Network),
		session.SrcOption(src),
		session.DstOption(req.Address),
		session.InboundOption(req.Inbound),
	}
	host, _, _ := net.SplitHostPort(req.Address)
	if host != "" && net.ParseIP(host) == nil {
		opts = append(opts, session.HostOption(host))
	}
	if e.options.processLookup && src != "" {
		if info, err := process.FindTCP(src); err == nil {
			opts = append(opts, session.ProcessOption(&session.Process{
				Name: info.Name,
				Path: info.Path,
				UID:  info.UID,
			}))
		}
	}

	s := session.New(opts...)
	if err := e.registry.Register(s); err != nil {
		e.options.logger.Errorf("register %s: %v", s.ID(), err)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.SetCancel(cancel)
	ctx = sgctx.ContextWithSid(ctx, sgctx.Sid(s.ID()))
	ctx = sgctx.ContextWithClientAddr(ctx, sgctx.ClientAddr(src))

	log := e.options.logger.WithFields(map[string]any{
		"sid":     s.ID(),
		"inbound": req.Inbound,
	})
	log.Infof("%s <-> %s", src, req.Address)
	start := time.Now()

	reason, err := e.dispatch(ctx, req, s, log)
	if err != nil {
		s.SetError(err)
		log.Warnf("%s: %v", req.Address, err)
	}
	e.registry.Close(s.ID(), reason)

	log.WithFields(map[string]any{
		"duration": time.Since(start),
	}).Infof("%s >-< %s", src, req.Address)
}

func (e *Engine) dispatch(ctx context.Context, req *inbound.Request, s *session.Session, log logger.Logger) (session.CloseReason, error) {
	s.SetState(session.StateResolving)

	res := e.rules.Evaluate(ctx, e.metadata(req, s))
	s.SetRule(res.Rule)
	log.Debugf("%s: %s", req.Address, res.Rule)

	switch res.Action.Kind {
	case rules.ActionReject:
		req.Ack(ErrRejected)
		return session.ReasonBlocked, nil

	case rules.ActionIntercept:
		return e.interceptFlow(ctx, req, s, log)

	default:
		name := DirectOutbound
		if res.Action.Kind == rules.ActionProxy {
			name = res.Action.Outbound
		}
		return e.connectAndRelay(ctx, req, s, name)
	}
}

func (e *Engine) connectAndRelay(ctx context.Context, req *inbound.Request, s *session.Session, name string) (session.CloseReason, error) {
	adapter, err := e.pool.Get(name)
	if err != nil {
		req.Ack(err)
		return session.ReasonConnectFailed, err
	}

	s.SetState(session.StateConnecting)
	cctx := ctx
	var cancel context.CancelFunc
	if e.options.connectTimeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, e.options.connectTimeout)
	}
	cc, err := adapter.Connect(cctx, req.Network, req.Address)
	if cancel != nil {
		cancel()
	}
	if err != nil {
		req.Ack(err)
		return connectFailReason(err), err
	}
	defer cc.Close()
	s.SetOutbound(adapter.Name())

	if err := req.Ack(nil); err != nil {
		return session.ReasonProtocolError, err
	}

	s.SetState(session.StateRelaying)
	return e.closeReason(relay.Relay(ctx, req.Conn, cc, e.relayOptions(s)...))
}

func (e *Engine) interceptFlow(ctx context.Context, req *inbound.Request, s *session.Session, log logger.Logger) (session.CloseReason, error) {
	i := e.Interceptor()
	if i == nil {
		// no CA configured, the best honest behavior is plain routing
		log.Warnf("%s: intercept action without interceptor, routing direct", req.Address)
		return e.connectAndRelay(ctx, req, s, DirectOutbound)
	}

	s.SetState(session.StateIntercepting)
	s.SetOutbound("intercept")
	if err := req.Ack(nil); err != nil {
		return session.ReasonProtocolError, err
	}

	err := i.HandleTLS(ctx, req.Conn, req.Address, intercept.RelayOptions(e.relayOptions(s)...))
	if errors.Is(err, intercept.ErrUnparsable) {
		return session.ReasonBlocked, err
	}
	return e.closeReason(err)
}

// NestedDial opens the upstream side of an intercepted flow. The inner
// destination is routed through the rules again under a child session,
// so intercepted traffic stays visible and auditable. An intercept
// verdict on the inner flow routes direct; termination already
// happened one level up.
func (e *Engine) NestedDial(ctx context.Context, network, address string) (net.Conn, error) {
	parent := sgctx.SidFromContext(ctx)

	opts := []session.Option{
		session.NetworkOption(network),
		session.SrcOption(sgctx.ClientAddrFromContext(ctx).String()),
		session.DstOption(address),
		session.InboundOption("intercept"),
		session.ParentOption(parent.String()),
	}
	host, _, _ := net.SplitHostPort(address)
	if host != "" && net.ParseIP(host) == nil {
		opts = append(opts, session.HostOption(host))
	}
	s := session.New(opts...)
	if err := e.registry.Register(s); err != nil {
		return nil, err
	}

	res := e.rules.Evaluate(ctx, e.metadataFor(network, address, s))
	s.SetRule(res.Rule)

	name := DirectOutbound
	switch res.Action.Kind {
	case rules.ActionReject:
		e.registry.Close(s.ID(), session.ReasonBlocked)
		return nil, ErrRejected
	case rules.ActionProxy:
		name = res.Action.Outbound
	}

	adapter, err := e.pool.Get(name)
	if err != nil {
		e.registry.Close(s.ID(), session.ReasonConnectFailed)
		return nil, err
	}

	s.SetState(session.StateConnecting)
	cc, err := adapter.Connect(ctx, network, address)
	if err != nil {
		s.SetError(err)
		e.registry.Close(s.ID(), connectFailReason(err))
		return nil, err
	}
	s.SetOutbound(adapter.Name())
	s.SetState(session.StateRelaying)

	return &sessionConn{Conn: cc, engine: e, session: s}, nil
}

func (e *Engine) metadata(req *inbound.Request, s *session.Session) *rules.Metadata {
	return e.metadataFor(req.Network, req.Address, s)
}

func (e *Engine) metadataFor(network, address string, s *session.Session) *rules.Metadata {
	md := &rules.Metadata{Network: network}
	host, port, _ := net.SplitHostPort(address)
	if ip := net.ParseIP(host); ip != nil {
		md.DstIP = ip
	} else {
		md.Host = host
	}
	if n, err := strconv.ParseUint(port, 10, 16); err == nil {
		md.DstPort = uint16(n)
	}
	if p := s.Process(); p != nil {
		md.Process = p.Name
	}
	return md
}

func (e *Engine) relayOptions(s *session.Session) []relay.Option {
	opts := []relay.Option{
		relay.OnUploadOption(func(n int) { s.AddUpload(uint64(n)) }),
		relay.OnDownloadOption(func(n int) { s.AddDownload(uint64(n)) }),
	}
	if e.options.idleTimeout > 0 {
		opts = append(opts, relay.IdleTimeoutOption(e.options.idleTimeout))
	}
	return opts
}

// connectFailReason distinguishes a connect that ran out of time from
// one the network refused.
func connectFailReason(err error) session.CloseReason {
	if errors.Is(err, context.DeadlineExceeded) {
		return session.ReasonTimedOut
	}
	return session.ReasonConnectFailed
}

func (e *Engine) closeReason(err error) (session.CloseReason, error) {
	switch {
	case err == nil:
		return session.ReasonCompleted, nil
	case errors.Is(err, relay.ErrIdleTimeout):
		return session.ReasonTimedOut, err
	case errors.Is(err, context.Canceled):
		// torn down from outside (API stop or shutdown)
		return session.ReasonCompleted, nil
	default:
		return session.ReasonProtocolError, err
	}
}

// sessionConn binds the upstream stream of a nested flow to its child
// session: traffic counters while it lives, close and audit when done.
type sessionConn struct {
	net.Conn
	engine  *Engine
	session *session.Session
	once    sync.Once
}

func (c *sessionConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.session.AddDownload(uint64(n))
	}
	return n, err
}

func (c *sessionConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.session.AddUpload(uint64(n))
	}
	return n, err
}

func (c *sessionConn) Close() error {
	c.once.Do(func() {
		c.engine.registry.Close(c.session.ID(), session.ReasonCompleted)
	})
	return c.Conn.Close()
}
