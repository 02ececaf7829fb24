package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/seamgate/seamgate/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countSink struct {
	n    atomic.Int64
	last atomic.Value
}

func (s *countSink) Record(ctx context.Context, rec *audit.Record) error {
	s.n.Add(1)
	s.last.Store(rec)
	return nil
}

func (s *countSink) Close() error { return nil }

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()

	s := New(
		NetworkOption("tcp"),
		SrcOption("127.0.0.1:54321"),
		DstOption("93.184.216.34:443"),
		HostOption("example.com"),
	)
	require.NoError(t, r.Register(s))

	snap, err := r.Lookup(s.ID())
	require.NoError(t, err)
	assert.Equal(t, "example.com", snap.Host)
	assert.Equal(t, "93.184.216.34:443", snap.Dst)

	_, err = r.Lookup("no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryCloseIdempotent(t *testing.T) {
	sink := &countSink{}
	r := NewRegistry(SinkRegistryOption(sink))

	s := New(DstOption("1.2.3.4:80"))
	require.NoError(t, r.Register(s))
	s.SetRule("final")
	s.SetOutbound("direct")
	s.AddUpload(10)
	s.AddDownload(20)

	r.Close(s.ID(), ReasonCompleted)
	r.Close(s.ID(), ReasonProtocolError)

	assert.EqualValues(t, 1, sink.n.Load(), "audit must be emitted exactly once")

	rec := sink.last.Load().(*audit.Record)
	assert.Equal(t, "completed", rec.CloseReason)
	assert.EqualValues(t, 10, rec.BytesUp)
	assert.EqualValues(t, 20, rec.BytesDown)
	assert.Equal(t, "direct", rec.Outbound)

	// still visible as recently closed
	snap, err := r.Lookup(s.ID())
	require.NoError(t, err)
	assert.Equal(t, ReasonCompleted, snap.Reason)
	assert.Equal(t, "closed", snap.State)
}

func TestRegistryConcurrentCloses(t *testing.T) {
	sink := &countSink{}
	r := NewRegistry(SinkRegistryOption(sink))

	const n = 64
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s := New(DstOption("10.0.0.1:443"))
		require.NoError(t, r.Register(s))
		ids = append(ids, s.ID())
	}
	assert.Len(t, r.ListActive(), n)

	var wg sync.WaitGroup
	for _, id := range ids {
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				r.Close(id, ReasonCompleted)
			}(id)
		}
	}
	wg.Wait()

	assert.EqualValues(t, n, sink.n.Load())
	assert.Empty(t, r.ListActive())
	assert.Len(t, r.ListClosed(), n)
}

func TestSessionSetOnce(t *testing.T) {
	s := New()
	s.SetRule("domain-suffix:example.com")
	s.SetRule("final")
	assert.Equal(t, "domain-suffix:example.com", s.Rule())

	s.SetOutbound("proxy-a")
	s.SetOutbound("proxy-b")
	assert.Equal(t, "proxy-a", s.Outbound())
}
