package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/seamgate/seamgate/engine"
	"github.com/seamgate/seamgate/intercept"
	"github.com/seamgate/seamgate/outbound"
	"github.com/seamgate/seamgate/outbound/direct"
	"github.com/seamgate/seamgate/rules"
	"github.com/seamgate/seamgate/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(t *testing.T, opts *Options) (*gin.Engine, *engine.Engine) {
	t.Helper()

	rs, err := rules.ParseRuleSet([]string{
		"domain, blocked.test, reject",
		"final, direct",
	})
	require.NoError(t, err)

	pool := outbound.NewPool()
	require.NoError(t, pool.Register(direct.New("direct")))

	e := engine.New(rules.NewEngine(rs), pool, session.NewRegistry())

	gin.SetMode(gin.TestMode)
	r := gin.New()
	if opts == nil {
		opts = &Options{}
	}
	opts.Engine = e
	Register(r, opts)
	return r, e
}

func do(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestFlowEndpoints(t *testing.T) {
	r, e := testRouter(t, nil)

	s := session.New(
		session.NetworkOption("tcp"),
		session.SrcOption("127.0.0.1:40000"),
		session.DstOption("example.com:443"),
		session.InboundOption("http"),
	)
	require.NoError(t, e.Registry().Register(s))

	w := do(r, http.MethodGet, "/flows?scope=active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data []session.Snapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, s.ID(), list.Data[0].ID)
	assert.Equal(t, "example.com:443", list.Data[0].Dst)

	w = do(r, http.MethodGet, "/flows/"+s.ID(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var one struct {
		Data session.Snapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	assert.Equal(t, "http", one.Data.Inbound)

	w = do(r, http.MethodGet, "/flows/nosuchid", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodDelete, "/flows/"+s.ID(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, e.Registry().ListActive())

	w = do(r, http.MethodDelete, "/flows/nosuchid", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRuleEndpoints(t *testing.T) {
	r, e := testRouter(t, nil)

	w := do(r, http.MethodGet, "/rules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view struct {
		Data rulesView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Len(t, view.Data.Rules, 2)
	assert.Equal(t, "final -> direct", view.Data.Rules[1])

	// a broken set must not replace the active one
	w = do(r, http.MethodPost, "/rules/reload", map[string]any{
		"rules": []string{"domain, a.test, direct"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Len(t, e.Rules().RuleSet().Rules(), 2)

	w = do(r, http.MethodPost, "/rules/reload", map[string]any{
		"rules": []string{"final, reject"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, e.Rules().RuleSet().Rules(), 1)

	w = do(r, http.MethodPost, "/rules/temporary", map[string]any{
		"rule": "domain, pinned.test, direct",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, e.Rules().Temporary(), 1)

	w = do(r, http.MethodPost, "/rules/temporary", map[string]any{
		"rule": "final, direct",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(r, http.MethodDelete, "/rules/temporary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, e.Rules().Temporary())
}

func TestOutboundsAndCA(t *testing.T) {
	ca, err := intercept.GenerateCA("test root")
	require.NoError(t, err)
	r, _ := testRouter(t, &Options{CA: ca})

	w := do(r, http.MethodGet, "/outbounds", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var names struct {
		Data []string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &names))
	assert.Contains(t, names.Data, "direct")

	w = do(r, http.MethodGet, "/ca", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "BEGIN CERTIFICATE")
}

func TestCAWithoutMaterial(t *testing.T) {
	r, _ := testRouter(t, nil)
	w := do(r, http.MethodGet, "/ca", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBasicAuth(t *testing.T) {
	r, _ := testRouter(t, &Options{Users: map[string]string{"admin": "secret"}})

	w := do(r, http.MethodGet, "/outbounds", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Basic", w.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/outbounds", nil)
	req.SetBasicAuth("admin", "secret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
