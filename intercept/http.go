package intercept

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"

	"github.com/seamgate/seamgate/logger"
	"github.com/seamgate/seamgate/relay"
	"golang.org/x/net/http2"
)

// h1Upstream holds the current upstream of a terminated HTTP/1.1
// connection. Requests addressed to another host swap it for a fresh
// nested dial, so every distinct inner destination gets its own
// routing verdict and session.
type h1Upstream struct {
	i    *Interceptor
	host string
	cc   *tls.Conn
	br   *bufio.Reader
}

func (u *h1Upstream) switchTo(ctx context.Context, hostport string) error {
	if hostport == u.host {
		return nil
	}
	cc, err := u.i.dialTLS(ctx, hostport, []string{"http/1.1"})
	if err != nil {
		return err
	}
	u.cc.Close()
	u.cc = cc
	u.br = bufio.NewReader(cc)
	u.host = hostport
	return nil
}

func (i *Interceptor) serveHTTP1(ctx context.Context, conn net.Conn, cc *tls.Conn, target, host string) error {
	br := bufio.NewReader(conn)
	up := &h1Upstream{
		i:    i,
		host: target,
		cc:   cc,
		br:   bufio.NewReader(cc),
	}
	defer up.cc.Close()

	_, defaultPort, _ := net.SplitHostPort(target)

	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if req.Host == "" {
			req.Host = host
		}
		if i.options.logger.IsLevelEnabled(logger.TraceLevel) {
			dump, _ := httputil.DumpRequest(req, false)
			i.options.logger.Trace(string(dump))
		}

		hostport := req.Host
		if _, _, err := net.SplitHostPort(hostport); err != nil {
			hostport = net.JoinHostPort(strings.Trim(hostport, "[]"), defaultPort)
		}
		if err := up.switchTo(ctx, hostport); err != nil {
			i.options.logger.Warnf("%s %s: %v", req.Method, hostport, err)
			resp := synthResponse(req, http.StatusBadGateway, "")
			resp.Close = true
			resp.Write(conn)
			return err
		}

		shouldClose, err := i.roundTrip(ctx, conn, up, req)
		if err != nil || shouldClose {
			return err
		}
	}
}

func (i *Interceptor) roundTrip(ctx context.Context, conn net.Conn, up *h1Upstream, req *http.Request) (shouldClose bool, err error) {
	ex := &Exchange{
		Host:   req.Host,
		Method: req.Method,
		URL:    reqURL(req),
		Proto:  req.Proto,
	}

	resp, err := i.options.hooks.Request(ctx, req)
	if err != nil {
		return true, err
	}
	ex.Blocked = resp != nil

	if resp == nil {
		if err = req.Write(up.cc); err != nil {
			return true, err
		}
		resp, err = http.ReadResponse(up.br, req)
		if err != nil {
			return true, err
		}
		if resp, err = i.options.hooks.Response(ctx, req, resp); err != nil {
			return true, err
		}
	}
	defer resp.Body.Close()

	ex.Status = resp.StatusCode
	if err = resp.Write(conn); err != nil {
		return true, err
	}

	if i.options.onExchange != nil {
		i.options.onExchange(ctx, ex)
	}

	// hand upgraded protocols back to a plain splice
	if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") && resp.StatusCode == http.StatusSwitchingProtocols {
		return true, relay.Relay(ctx, conn, up.cc)
	}

	return resp.Close || req.Close, nil
}

func (i *Interceptor) serveH2(ctx context.Context, conn net.Conn, cc *tls.Conn, target, host string) error {
	// the pre-established upstream serves the authority the connection
	// was opened for; streams naming any other authority dial through
	// the nested dialer and get their own verdict
	var mu sync.Mutex
	used := false
	client := &http.Client{
		Transport: &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
				mu.Lock()
				reuse := !used && addr == target
				if reuse {
					used = true
				}
				mu.Unlock()
				if reuse {
					return cc, nil
				}
				return i.dialTLS(ctx, addr, []string{"h2"})
			},
		},
	}
	defer client.CloseIdleConnections()

	h2s := &http2.Server{}
	h2s.ServeConn(conn, &http2.ServeConnOpts{
		Context: ctx,
		Handler: &h2Handler{
			interceptor: i,
			client:      client,
			host:        host,
		},
	})
	return nil
}

type h2Handler struct {
	interceptor *Interceptor
	client      *http.Client
	host        string
}

func (h *h2Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	i := h.interceptor
	ctx := r.Context()

	outreq := r.Clone(ctx)
	outreq.RequestURI = ""
	outreq.URL.Scheme = "https"
	if outreq.URL.Host == "" {
		outreq.URL.Host = r.Host
	}
	if outreq.URL.Host == "" {
		outreq.URL.Host = h.host
		outreq.Host = h.host
	}

	ex := &Exchange{
		Host:   outreq.Host,
		Method: outreq.Method,
		URL:    reqURL(outreq),
		Proto:  outreq.Proto,
	}

	resp, err := i.options.hooks.Request(ctx, outreq)
	if err != nil {
		http.Error(w, "hook error", http.StatusBadGateway)
		return
	}
	ex.Blocked = resp != nil

	if resp == nil {
		resp, err = h.client.Do(outreq)
		if err != nil {
			i.options.logger.Warnf("h2 %s %s: %v", outreq.Method, outreq.Host, err)
			http.Error(w, "upstream error", http.StatusBadGateway)
			return
		}
		if resp, err = i.options.hooks.Response(ctx, outreq, resp); err != nil {
			resp.Body.Close()
			http.Error(w, "hook error", http.StatusBadGateway)
			return
		}
	}
	defer resp.Body.Close()

	ex.Status = resp.StatusCode
	if i.options.onExchange != nil {
		i.options.onExchange(ctx, ex)
	}

	header := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}
