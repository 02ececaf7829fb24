package group

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/seamgate/seamgate/outbound"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	name  string
	err   error
	calls int
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Connect(ctx context.Context, network, address string) (net.Conn, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	c, s := net.Pipe()
	s.Close()
	return c, nil
}

func (a *fakeAdapter) Close() error { return nil }

func TestGroupFallbackOrder(t *testing.T) {
	first := &fakeAdapter{name: "first", err: errors.New("down")}
	second := &fakeAdapter{name: "second"}
	third := &fakeAdapter{name: "third"}

	g, err := New("fallback", []outbound.Adapter{first, second, third})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, g.Members())

	conn, err := g.Connect(context.Background(), "tcp", "example.com:443")
	require.NoError(t, err)
	conn.Close()

	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Zero(t, third.calls, "later members must not be tried after a success")
}

func TestGroupAllFailed(t *testing.T) {
	g, err := New("fallback", []outbound.Adapter{
		&fakeAdapter{name: "a", err: errors.New("down")},
		&fakeAdapter{name: "b", err: errors.New("down")},
	})
	require.NoError(t, err)

	_, err = g.Connect(context.Background(), "tcp", "example.com:443")
	assert.ErrorIs(t, err, outbound.ErrAllOutboundsFailed)
}

func TestGroupEmpty(t *testing.T) {
	_, err := New("fallback", nil)
	assert.Error(t, err)
}

func TestGroupCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := &fakeAdapter{name: "a"}
	g, err := New("fallback", []outbound.Adapter{a})
	require.NoError(t, err)

	_, err = g.Connect(ctx, "tcp", "example.com:443")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, a.calls)
}
