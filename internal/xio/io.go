package xio

import (
	"errors"
	"io"
	"time"
)

var (
	ErrUnsupported = errors.New("unsupported")
)

type CloseRead interface {
	CloseRead() error
}

type CloseWrite interface {
	CloseWrite() error
}

type readWriter struct {
	io.Reader
	io.Writer
}

func NewReadWriter(r io.Reader, w io.Writer) io.ReadWriter {
	return &readWriter{
		Reader: r,
		Writer: w,
	}
}

func (rw *readWriter) CloseRead() error {
	if sc, ok := rw.Reader.(CloseRead); ok {
		return sc.CloseRead()
	}
	return ErrUnsupported
}

func (rw *readWriter) CloseWrite() error {
	if sc, ok := rw.Writer.(CloseWrite); ok {
		return sc.CloseWrite()
	}
	return ErrUnsupported
}

// TryCloseWrite half-closes v for writing if it supports it.
func TryCloseWrite(v any) error {
	if sc, ok := v.(CloseWrite); ok {
		return sc.CloseWrite()
	}
	return ErrUnsupported
}

// TryCloseRead half-closes v for reading if it supports it.
func TryCloseRead(v any) error {
	if sc, ok := v.(CloseRead); ok {
		return sc.CloseRead()
	}
	return ErrUnsupported
}

// SetReadDeadline sets the read deadline on v if it supports one.
func SetReadDeadline(v any, t time.Time) error {
	if d, ok := v.(interface{ SetReadDeadline(time.Time) error }); ok {
		return d.SetReadDeadline(t)
	}
	return ErrUnsupported
}
