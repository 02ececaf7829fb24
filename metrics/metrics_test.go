package metrics

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seamgate/seamgate/audit"
	"github.com/seamgate/seamgate/intercept"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrapeAfterRecords(t *testing.T) {
	m := New(func() float64 { return 3 })

	sink := m.Sink()
	require.NoError(t, sink.Record(context.Background(), &audit.Record{
		Inbound:     "http",
		Outbound:    "direct",
		CloseReason: "completed",
		BytesUp:     100,
		BytesDown:   2000,
		Duration:    1200 * time.Millisecond,
	}))
	m.ObserveExchange(&intercept.Exchange{Proto: "h2", Blocked: true})
	m.ObserveCertMint("example.com")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)
	body := w.Body.String()

	assert.Contains(t, body, `seamgate_flows_total`)
	assert.Contains(t, body, `inbound="http"`)
	assert.Contains(t, body, `seamgate_transfer_down_bytes_total`)
	assert.Contains(t, body, `seamgate_flows_active`)
	assert.Contains(t, body, ` 3`)
	assert.Contains(t, body, `seamgate_intercepted_exchanges_total`)
	assert.Contains(t, body, `blocked="true"`)
	assert.Contains(t, body, `seamgate_cert_mints_total`)
}
