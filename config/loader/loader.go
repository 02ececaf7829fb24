package loader

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/seamgate/seamgate/api/service"
	"github.com/seamgate/seamgate/audit"
	"github.com/seamgate/seamgate/config"
	"github.com/seamgate/seamgate/config/parsing"
	"github.com/seamgate/seamgate/engine"
	"github.com/seamgate/seamgate/inbound"
	"github.com/seamgate/seamgate/intercept"
	"github.com/seamgate/seamgate/logger"
	"github.com/seamgate/seamgate/metrics"
	"github.com/seamgate/seamgate/rules"
	"github.com/seamgate/seamgate/session"
	"golang.org/x/sync/errgroup"
)

// Runtime is the assembled proxy: the engine, its inbound listeners
// and the optional control surface.
type Runtime struct {
	Engine   *engine.Engine
	Inbounds []inbound.Server
	API      *service.Server
	Metrics  *metrics.Metrics
	CA       *intercept.CA

	sink audit.Sink
}

// Load wires a full runtime from the configuration.
func Load(cfg *config.Config) (*Runtime, error) {
	logger.SetDefault(parsing.ParseLogger(cfg.Log))

	res := parsing.ParseResolver(cfg.Resolver)

	rs, err := parsing.ParseRules(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	var ruleOpts []rules.EngineOption
	if res != nil {
		ruleOpts = append(ruleOpts, rules.ResolverEngineOption(res))
	}
	ruleEngine := rules.NewEngine(rs, ruleOpts...)

	pool, err := parsing.ParsePool(cfg.Outbounds, res)
	if err != nil {
		return nil, err
	}

	// the gauge closes over the registry variable; it is set right below
	var registry *session.Registry
	var m *metrics.Metrics
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		m = metrics.New(func() float64 {
			if registry == nil {
				return 0
			}
			return float64(len(registry.ListActive()))
		})
	}

	sink := parsing.ParseAuditSink(cfg.Audit)
	sinks := make([]audit.Sink, 0, 2)
	if sink != nil {
		sinks = append(sinks, sink)
	}
	if m != nil {
		sinks = append(sinks, m.Sink())
	}

	var regOpts []session.RegistryOption
	if len(sinks) > 0 {
		regOpts = append(regOpts, session.SinkRegistryOption(audit.MultiSink(sinks...)))
	}
	if cfg.Audit != nil && cfg.Audit.ClosedTTL > 0 {
		regOpts = append(regOpts, session.ClosedTTLRegistryOption(cfg.Audit.ClosedTTL))
	}
	registry = session.NewRegistry(regOpts...)

	var engineOpts []engine.Option
	if ec := cfg.Engine; ec != nil {
		if ec.ConnectTimeout > 0 {
			engineOpts = append(engineOpts, engine.ConnectTimeoutOption(ec.ConnectTimeout))
		}
		if ec.IdleTimeout > 0 {
			engineOpts = append(engineOpts, engine.IdleTimeoutOption(ec.IdleTimeout))
		}
		engineOpts = append(engineOpts, engine.ProcessLookupOption(ec.ProcessLookup))
	}
	e := engine.New(ruleEngine, pool, registry, engineOpts...)

	rt := &Runtime{
		Engine:  e,
		Metrics: m,
		sink:    sink,
	}

	if cfg.MITM != nil {
		var caOpts []intercept.CAOption
		var iOpts []intercept.Option
		if m != nil {
			caOpts = append(caOpts, intercept.OnMintCAOption(m.ObserveCertMint))
			iOpts = append(iOpts, intercept.OnExchangeOption(
				func(ctx context.Context, ex *intercept.Exchange) {
					m.ObserveExchange(ex)
				}))
		}
		ca, err := parsing.ParseCA(cfg.MITM, caOpts...)
		if err != nil {
			return nil, fmt.Errorf("mitm: %w", err)
		}
		interceptor, err := parsing.ParseInterceptor(cfg.MITM, ca, e.NestedDial, iOpts...)
		if err != nil {
			return nil, fmt.Errorf("mitm: %w", err)
		}
		e.SetInterceptor(interceptor)
		rt.CA = ca
	}

	if len(cfg.Inbounds) == 0 {
		return nil, errors.New("loader: no inbounds configured")
	}
	for _, ic := range cfg.Inbounds {
		srv, err := parsing.ParseInbound(ic)
		if err != nil {
			return nil, fmt.Errorf("inbound %s: %w", ic.Name, err)
		}
		rt.Inbounds = append(rt.Inbounds, srv)
	}

	if ac := cfg.API; ac != nil && ac.Addr != "" {
		svcOpts := []service.Option{
			service.PathPrefixOption(ac.PathPrefix),
			service.AccessLogOption(ac.AccessLog),
			service.CAOption(rt.CA),
			service.MetricsOption(m),
		}
		if ac.Auth != nil {
			svcOpts = append(svcOpts, service.UsersOption(
				map[string]string{ac.Auth.Username: ac.Auth.Password}))
		}
		apiSrv, err := service.NewService("tcp", ac.Addr, e, svcOpts...)
		if err != nil {
			return nil, fmt.Errorf("api: %w", err)
		}
		rt.API = apiSrv
	}

	return rt, nil
}

// Run serves all listeners until ctx is canceled or one of them fails.
func (rt *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ectx := errgroup.WithContext(ctx)
	for _, srv := range rt.Inbounds {
		srv := srv
		eg.Go(func() error {
			return srv.ListenAndServe(ectx, rt.Engine)
		})
	}
	if rt.API != nil {
		eg.Go(func() error {
			if err := rt.API.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) &&
				!errors.Is(err, net.ErrClosed) {
				return err
			}
			return nil
		})
	}
	eg.Go(func() error {
		<-ectx.Done()
		rt.shutdown()
		return nil
	})

	return eg.Wait()
}

func (rt *Runtime) shutdown() {
	for _, srv := range rt.Inbounds {
		srv.Close()
	}
	if rt.API != nil {
		rt.API.Close()
	}
	rt.Engine.Registry().CloseAll(session.ReasonCompleted)
	rt.Engine.Pool().Close()
	if rt.sink != nil {
		rt.sink.Close()
	}
}
