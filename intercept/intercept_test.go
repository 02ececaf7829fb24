package intercept

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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTo(addr string) DialFunc {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		return (&net.Dialer{}).DialContext(ctx, network, addr)
	}
}

func startUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		io.WriteString(w, "hello from "+r.Host+r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func clientThrough(t *testing.T, i *Interceptor, ca *CA, serverName string) *tls.Conn {
	t.Helper()

	clientSide, proxySide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })
	go func() {
		defer proxySide.Close()
		i.HandleTLS(context.Background(), proxySide, serverName+":443")
	}()

	roots := x509.NewCertPool()
	roots.AddCert(ca.cert)
	tc := tls.Client(clientSide, &tls.Config{
		ServerName: serverName,
		RootCAs:    roots,
	})
	require.NoError(t, tc.Handshake())
	return tc
}

func roundTripThrough(t *testing.T, tc *tls.Conn, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	require.NoError(t, req.Write(tc))
	resp, err := http.ReadResponse(bufio.NewReader(tc), req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestTerminateAndRoundTrip(t *testing.T) {
	srv := startUpstream(t)
	ca, err := GenerateCA("test root")
	require.NoError(t, err)

	i, err := New(ca, dialTo(srv.Listener.Addr().String()), PolicyFailClosed,
		InsecureUpstreamOption(true))
	require.NoError(t, err)

	tc := clientThrough(t, i, ca, "example.com")
	resp := roundTripThrough(t, tc, "https://example.com/hello")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "hello from example.com/hello", string(body))
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))

	// the client-facing certificate must be a leaf for the SNI name
	state := tc.ConnectionState()
	require.NotEmpty(t, state.PeerCertificates)
	assert.Equal(t, "example.com", state.PeerCertificates[0].DNSNames[0])
}

func TestBlockHookShortCircuits(t *testing.T) {
	srv := startUpstream(t)
	ca, err := GenerateCA("test root")
	require.NoError(t, err)

	block, err := BlockHook("example.com/secret*")
	require.NoError(t, err)

	var seen []*Exchange
	i, err := New(ca, dialTo(srv.Listener.Addr().String()), PolicyFailClosed,
		InsecureUpstreamOption(true),
		HooksOption(block),
		OnExchangeOption(func(_ context.Context, ex *Exchange) {
			seen = append(seen, ex)
		}))
	require.NoError(t, err)

	tc := clientThrough(t, i, ca, "example.com")
	resp := roundTripThrough(t, tc, "https://example.com/secret/file")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	require.Len(t, seen, 1)
	assert.True(t, seen[0].Blocked)
	assert.Equal(t, "example.com/secret/file", seen[0].URL)
}

func TestHeaderHookRewrites(t *testing.T) {
	srv := startUpstream(t)
	ca, err := GenerateCA("test root")
	require.NoError(t, err)

	hook, err := HeaderHook(HeaderRewrite{
		Pattern:     "example.com/*",
		SetResponse: map[string]string{"X-Injected": "1"},
		DelResponse: []string{"X-Upstream"},
	})
	require.NoError(t, err)

	i, err := New(ca, dialTo(srv.Listener.Addr().String()), PolicyFailClosed,
		InsecureUpstreamOption(true),
		HooksOption(hook))
	require.NoError(t, err)

	tc := clientThrough(t, i, ca, "example.com")
	resp := roundTripThrough(t, tc, "https://example.com/x")
	assert.Equal(t, "1", resp.Header.Get("X-Injected"))
	assert.Empty(t, resp.Header.Get("X-Upstream"))
}

func TestUnparsableFailClosed(t *testing.T) {
	ca, err := GenerateCA("test root")
	require.NoError(t, err)

	i, err := New(ca, dialTo("127.0.0.1:1"), PolicyFailClosed)
	require.NoError(t, err)

	clientSide, proxySide := net.Pipe()
	defer clientSide.Close()

	done := make(chan error, 1)
	go func() {
		done <- i.HandleTLS(context.Background(), proxySide, "example.com:443")
	}()

	clientSide.Write([]byte("this is not a tls hello at all, not even close"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrUnparsable)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not reject unparsable flow")
	}
}

func TestUnparsableFailOpenSplices(t *testing.T) {
	// plain echo upstream
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		io.Copy(c, c)
		c.Close()
	}()

	ca, err := GenerateCA("test root")
	require.NoError(t, err)

	i, err := New(ca, dialTo(ln.Addr().String()), PolicyFailOpen)
	require.NoError(t, err)

	clientSide, proxySide := net.Pipe()
	defer clientSide.Close()
	go i.HandleTLS(context.Background(), proxySide, "example.com:443")

	msg := []byte("opaque-bytes-opaque-bytes-opaque-bytes-opaque!!")
	_, err = clientSide.Write(msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(clientSide, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestNonHTTPALPNFailClosed(t *testing.T) {
	ca, err := GenerateCA("test root")
	require.NoError(t, err)

	var dialed atomic.Bool
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		dialed.Store(true)
		return nil, errors.New("unexpected dial")
	}
	i, err := New(ca, dial, PolicyFailClosed)
	require.NoError(t, err)

	clientSide, proxySide := net.Pipe()
	defer clientSide.Close()

	done := make(chan error, 1)
	go func() {
		defer proxySide.Close()
		done <- i.HandleTLS(context.Background(), proxySide, "example.com:443")
	}()

	// a well-formed hello offering only a protocol the proxy cannot speak
	tc := tls.Client(clientSide, &tls.Config{
		ServerName:         "example.com",
		NextProtos:         []string{"ssh"},
		InsecureSkipVerify: true,
	})
	go tc.Handshake()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrUnparsable)
		assert.False(t, dialed.Load(), "hello must not reach any upstream")
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not reject non-http alpn flow")
	}
}

func TestNonHTTPALPNFailOpenSplices(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	first := make(chan byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 1)
		if _, err := io.ReadFull(c, buf); err == nil {
			first <- buf[0]
		}
	}()

	ca, err := GenerateCA("test root")
	require.NoError(t, err)
	i, err := New(ca, dialTo(ln.Addr().String()), PolicyFailOpen)
	require.NoError(t, err)

	clientSide, proxySide := net.Pipe()
	defer clientSide.Close()
	go func() {
		defer proxySide.Close()
		i.HandleTLS(context.Background(), proxySide, "example.com:443")
	}()

	tc := tls.Client(clientSide, &tls.Config{
		ServerName:         "example.com",
		NextProtos:         []string{"ssh"},
		InsecureSkipVerify: true,
	})
	go tc.Handshake()

	select {
	case b := <-first:
		// the replayed hello arrives at the upstream as a TLS record
		assert.EqualValues(t, 0x16, b)
	case <-time.After(2 * time.Second):
		t.Fatal("hello was not spliced to the upstream")
	}
}

func TestKeepAliveSecondHostRedials(t *testing.T) {
	srv := startUpstream(t)
	ca, err := GenerateCA("test root")
	require.NoError(t, err)

	var mu sync.Mutex
	var dialed []string
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		mu.Lock()
		dialed = append(dialed, address)
		mu.Unlock()
		return (&net.Dialer{}).DialContext(ctx, network, srv.Listener.Addr().String())
	}

	i, err := New(ca, dial, PolicyFailClosed, InsecureUpstreamOption(true))
	require.NoError(t, err)

	tc := clientThrough(t, i, ca, "example.com")

	resp := roundTripThrough(t, tc, "https://example.com/first")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	io.Copy(io.Discard, resp.Body)

	// the second request names another host on the same kept-alive
	// connection and must be dialed anew, not ride the first upstream
	resp = roundTripThrough(t, tc, "https://second.test/second")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "second.test")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"example.com:443", "second.test:443"}, dialed)
}

func TestPolicyRequired(t *testing.T) {
	ca, err := GenerateCA("test root")
	require.NoError(t, err)

	_, err = New(ca, dialTo("127.0.0.1:1"), PolicyUnset)
	assert.ErrorIs(t, err, ErrPolicyUnset)
}

func TestBypassSplices(t *testing.T) {
	srv := startUpstream(t)
	ca, err := GenerateCA("test root")
	require.NoError(t, err)

	i, err := New(ca, dialTo(srv.Listener.Addr().String()), PolicyFailClosed,
		BypassOption(func(serverName string) bool { return serverName == "exempt.example.com" }))
	require.NoError(t, err)

	clientSide, proxySide := net.Pipe()
	defer clientSide.Close()
	go func() {
		defer proxySide.Close()
		i.HandleTLS(context.Background(), proxySide, "exempt.example.com:443")
	}()

	// the upstream's own certificate must come through untouched
	tc := tls.Client(clientSide, &tls.Config{
		ServerName:         "exempt.example.com",
		InsecureSkipVerify: true,
	})
	require.NoError(t, tc.Handshake())
	state := tc.ConnectionState()
	require.NotEmpty(t, state.PeerCertificates)
	assert.NotEqual(t, "Seamgate", firstOrg(state.PeerCertificates[0]))
}

func firstOrg(cert *x509.Certificate) string {
	if len(cert.Subject.Organization) > 0 {
		return cert.Subject.Organization[0]
	}
	return ""
}
