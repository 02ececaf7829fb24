package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/seamgate/seamgate/internal/bufpool"
	"github.com/seamgate/seamgate/internal/xio"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrIdleTimeout reports that no byte moved in either direction within
// the idle window.
var ErrIdleTimeout = errors.New("relay: idle timeout")

type options struct {
	bufferSize  int
	idleTimeout time.Duration
	limiter     *rate.Limiter
	onUpload    func(n int)
	onDownload  func(n int)
}

type Option func(opts *options)

// BufferSizeOption bounds the chunk size of each copy step.
func BufferSizeOption(size int) Option {
	return func(opts *options) {
		opts.bufferSize = size
	}
}

// IdleTimeoutOption tears the relay down when neither direction moved a
// byte for the given duration. Zero disables the idle check.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(opts *options) {
		opts.idleTimeout = timeout
	}
}

// LimiterOption throttles the aggregate byte rate of both directions.
func LimiterOption(limiter *rate.Limiter) Option {
	return func(opts *options) {
		opts.limiter = limiter
	}
}

// OnUploadOption observes each local-to-remote chunk.
func OnUploadOption(f func(n int)) Option {
	return func(opts *options) {
		opts.onUpload = f
	}
}

// OnDownloadOption observes each remote-to-local chunk.
func OnDownloadOption(f func(n int)) Option {
	return func(opts *options) {
		opts.onDownload = f
	}
}

type relay struct {
	options  options
	lastSeen atomic.Int64
}

// Relay pumps bytes between local and remote until both directions hit
// EOF, either side errors, the flow idles out, or ctx is canceled. An
// EOF on one direction half-closes the other so the peer can finish its
// side; writes are never buffered beyond one chunk, so a slow reader
// backpressures the sender.
func Relay(ctx context.Context, local, remote net.Conn, opts ...Option) error {
	r := &relay{
		options: options{
			bufferSize:  32 * 1024,
			idleTimeout: 5 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(&r.options)
	}
	r.touch()

	eg, ectx := errgroup.WithContext(ctx)

	// wake blocked reads on outside cancel or on the first pump error
	stop := context.AfterFunc(ectx, func() {
		now := time.Now()
		local.SetReadDeadline(now)
		remote.SetReadDeadline(now)
	})
	defer stop()

	eg.Go(func() error {
		return r.pump(ectx, remote, local, r.options.onUpload)
	})
	eg.Go(func() error {
		return r.pump(ectx, local, remote, r.options.onDownload)
	})
	err := eg.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (r *relay) touch() {
	r.lastSeen.Store(time.Now().UnixNano())
}

func (r *relay) idle() time.Duration {
	return time.Since(time.Unix(0, r.lastSeen.Load()))
}

func (r *relay) pump(ctx context.Context, dst, src net.Conn, count func(n int)) error {
	buf := bufpool.Get(r.options.bufferSize)
	defer bufpool.Put(buf)

	for {
		if r.options.idleTimeout > 0 {
			src.SetReadDeadline(time.Now().Add(r.options.idleTimeout))
		}

		n, err := src.Read(*buf)
		if n > 0 {
			r.touch()
			if limiter := r.options.limiter; limiter != nil {
				if werr := limiter.WaitN(ctx, n); werr != nil {
					return werr
				}
			}
			if _, werr := dst.Write((*buf)[:n]); werr != nil {
				return werr
			}
			if count != nil {
				count(n)
			}
		}

		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			// let the peer drain its remaining response
			xio.TryCloseWrite(dst)
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// the deadline fired but the other direction kept the
			// flow alive
			if r.options.idleTimeout > 0 && r.idle() < r.options.idleTimeout {
				continue
			}
			return ErrIdleTimeout
		}
		return err
	}
}
