package engine

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seamgate/seamgate/audit"
	"github.com/seamgate/seamgate/inbound"
	"github.com/seamgate/seamgate/intercept"
	"github.com/seamgate/seamgate/outbound"
	"github.com/seamgate/seamgate/outbound/direct"
	"github.com/seamgate/seamgate/rules"
	"github.com/seamgate/seamgate/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	records []*audit.Record
	n       atomic.Int64
}

func (s *memSink) Record(ctx context.Context, rec *audit.Record) error {
	s.records = append(s.records, rec)
	s.n.Add(1)
	return nil
}

func (s *memSink) Close() error { return nil }

func testEngine(t *testing.T, sink audit.Sink, lines ...string) *Engine {
	t.Helper()

	rs, err := rules.ParseRuleSet(lines)
	require.NoError(t, err)

	pool := outbound.NewPool()
	require.NoError(t, pool.Register(direct.New(DirectOutbound)))

	registry := session.NewRegistry(session.SinkRegistryOption(sink))
	return New(rules.NewEngine(rs), pool, registry,
		IdleTimeoutOption(2*time.Second))
}

type ackResult struct {
	called bool
	err    error
}

func serveRequest(e *Engine, conn net.Conn, address, inboundName string, ack *ackResult) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Serve(context.Background(), &inbound.Request{
			Conn:    conn,
			Network: "tcp",
			Address: address,
			Inbound: inboundName,
			Ack: func(err error) error {
				ack.called = true
				ack.err = err
				return nil
			},
		})
	}()
	return done
}

func TestServeDirectEcho(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(c)
		}
	}()

	sink := &memSink{}
	e := testEngine(t, sink, "final, direct")

	client, server := net.Pipe()
	var ack ackResult
	done := serveRequest(e, server, ln.Addr().String(), "http", &ack)

	msg := []byte("ping over the relay")
	_, err = client.Write(msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
	client.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not finish")
	}

	assert.True(t, ack.called)
	assert.NoError(t, ack.err)
	require.EqualValues(t, 1, sink.n.Load())

	rec := sink.records[0]
	assert.Equal(t, "completed", rec.CloseReason)
	assert.Equal(t, "final -> direct", rec.Rule)
	assert.Equal(t, DirectOutbound, rec.Outbound)
	assert.EqualValues(t, len(msg), rec.BytesUp)
	assert.EqualValues(t, len(msg), rec.BytesDown)
	assert.Equal(t, "http", rec.Inbound)
}

func TestServeReject(t *testing.T) {
	sink := &memSink{}
	e := testEngine(t, sink,
		"domain, blocked.test, reject",
		"final, direct")

	_, server := net.Pipe()
	var ack ackResult
	done := serveRequest(e, server, "blocked.test:443", "socks5", &ack)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not finish")
	}

	assert.True(t, ack.called)
	assert.ErrorIs(t, ack.err, ErrRejected)
	require.EqualValues(t, 1, sink.n.Load())
	assert.Equal(t, "blocked", sink.records[0].CloseReason)
	assert.Zero(t, sink.records[0].BytesUp)
}

func TestServeConnectFailed(t *testing.T) {
	sink := &memSink{}
	e := testEngine(t, sink, "final, proxy(nowhere)")

	_, server := net.Pipe()
	var ack ackResult
	done := serveRequest(e, server, "example.com:80", "http", &ack)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not finish")
	}

	assert.ErrorIs(t, ack.err, outbound.ErrUnknownOutbound)
	require.EqualValues(t, 1, sink.n.Load())
	assert.Equal(t, "connectfailed", sink.records[0].CloseReason)
}

// stallAdapter never connects; it waits out the context.
type stallAdapter struct{ name string }

func (a *stallAdapter) Name() string { return a.name }

func (a *stallAdapter) Connect(ctx context.Context, network, address string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (a *stallAdapter) Close() error { return nil }

func TestServeConnectTimeout(t *testing.T) {
	rs, err := rules.ParseRuleSet([]string{"final, proxy(tarpit)"})
	require.NoError(t, err)

	pool := outbound.NewPool()
	require.NoError(t, pool.Register(&stallAdapter{name: "tarpit"}))

	sink := &memSink{}
	registry := session.NewRegistry(session.SinkRegistryOption(sink))
	e := New(rules.NewEngine(rs), pool, registry,
		ConnectTimeoutOption(50*time.Millisecond))

	_, server := net.Pipe()
	var ack ackResult
	done := serveRequest(e, server, "example.com:80", "http", &ack)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not finish")
	}

	assert.ErrorIs(t, ack.err, context.DeadlineExceeded)
	require.EqualValues(t, 1, sink.n.Load())
	assert.Equal(t, "timedout", sink.records[0].CloseReason)
}

func TestServeInterceptNestedSession(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "intercepted")
	}))
	defer upstream.Close()
	upstreamAddr := upstream.Listener.Addr().String()

	sink := &memSink{}
	e := testEngine(t, sink, "final, intercept")

	// nested flows resolve "example.com" to the test upstream
	nestedDial := func(ctx context.Context, network, address string) (net.Conn, error) {
		return e.NestedDial(ctx, network, upstreamAddr)
	}

	ca, err := intercept.GenerateCA("test root")
	require.NoError(t, err)
	i, err := intercept.New(ca, nestedDial, intercept.PolicyFailClosed,
		intercept.InsecureUpstreamOption(true))
	require.NoError(t, err)
	e.SetInterceptor(i)

	client, server := net.Pipe()
	var ack ackResult
	done := serveRequest(e, server, "example.com:443", "http", &ack)

	roots := x509.NewCertPool()
	roots.AddCert(ca.Cert())
	tc := tls.Client(client, &tls.Config{ServerName: "example.com", RootCAs: roots})
	require.NoError(t, tc.Handshake())

	req, err := http.NewRequest(http.MethodGet, "https://example.com/", nil)
	require.NoError(t, err)
	require.NoError(t, req.Write(tc))
	resp, err := http.ReadResponse(bufio.NewReader(tc), req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "intercepted", string(body))

	tc.Close()
	client.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not finish")
	}

	// both the outer flow and the nested upstream flow are audited
	require.EqualValues(t, 2, sink.n.Load())

	var outer, nested *audit.Record
	for _, rec := range sink.records {
		if rec.Parent != "" {
			nested = rec
		} else {
			outer = rec
		}
	}
	require.NotNil(t, outer)
	require.NotNil(t, nested)
	assert.Equal(t, outer.SID, nested.Parent)
	assert.Equal(t, "intercept", nested.Inbound)
	assert.Positive(t, nested.BytesUp)
	assert.Positive(t, nested.BytesDown)
}

func TestServeInterceptPerRequestVerdicts(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "intercepted")
	}))
	defer upstream.Close()
	upstreamAddr := upstream.Listener.Addr().String()

	sink := &memSink{}
	e := testEngine(t, sink,
		"domain, blocked.test, reject",
		"final, intercept")

	// allowed hosts resolve to the test upstream; the blocked host keeps
	// its real name so the reject rule can see it
	nestedDial := func(ctx context.Context, network, address string) (net.Conn, error) {
		if host, _, _ := net.SplitHostPort(address); host == "blocked.test" {
			return e.NestedDial(ctx, network, address)
		}
		return e.NestedDial(ctx, network, upstreamAddr)
	}

	ca, err := intercept.GenerateCA("test root")
	require.NoError(t, err)
	i, err := intercept.New(ca, nestedDial, intercept.PolicyFailClosed,
		intercept.InsecureUpstreamOption(true))
	require.NoError(t, err)
	e.SetInterceptor(i)

	client, server := net.Pipe()
	var ack ackResult
	done := serveRequest(e, server, "example.com:443", "http", &ack)

	roots := x509.NewCertPool()
	roots.AddCert(ca.Cert())
	tc := tls.Client(client, &tls.Config{ServerName: "example.com", RootCAs: roots})
	require.NoError(t, tc.Handshake())
	br := bufio.NewReader(tc)

	req, err := http.NewRequest(http.MethodGet, "https://example.com/", nil)
	require.NoError(t, err)
	require.NoError(t, req.Write(tc))
	resp, err := http.ReadResponse(br, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// a second request on the kept-alive connection names a host the
	// rules reject; it must get its own verdict, not the first one's
	req, err = http.NewRequest(http.MethodGet, "https://blocked.test/", nil)
	require.NoError(t, err)
	require.NoError(t, req.Write(tc))
	resp, err = http.ReadResponse(br, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	resp.Body.Close()

	tc.Close()
	client.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not finish")
	}

	// outer flow, nested upstream flow, nested blocked flow
	require.EqualValues(t, 3, sink.n.Load())

	var blocked *audit.Record
	for _, rec := range sink.records {
		if rec.Host == "blocked.test" {
			blocked = rec
		}
	}
	require.NotNil(t, blocked)
	assert.NotEmpty(t, blocked.Parent)
	assert.Equal(t, "blocked", blocked.CloseReason)
	assert.Equal(t, "intercept", blocked.Inbound)
}

func TestCloseReasonMapping(t *testing.T) {
	e := testEngine(t, &memSink{}, "final, direct")

	reason, err := e.closeReason(nil)
	assert.Equal(t, session.ReasonCompleted, reason)
	assert.NoError(t, err)

	reason, _ = e.closeReason(context.Canceled)
	assert.Equal(t, session.ReasonCompleted, reason)

	reason, _ = e.closeReason(errors.New("boom"))
	assert.Equal(t, session.ReasonProtocolError, reason)
}
