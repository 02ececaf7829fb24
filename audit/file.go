package audit

import (
	"context"
	"encoding/json"
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

type fileSinkOptions struct {
	sep        string
	maxSizeMB  int
	maxBackups int
}

type FileSinkOption func(opts *fileSinkOptions)

func SepFileSinkOption(sep string) FileSinkOption {
	return func(opts *fileSinkOptions) {
		opts.sep = sep
	}
}

func RotationFileSinkOption(maxSizeMB, maxBackups int) FileSinkOption {
	return func(opts *fileSinkOptions) {
		opts.maxSizeMB = maxSizeMB
		opts.maxBackups = maxBackups
	}
}

type fileSink struct {
	out io.WriteCloser
	sep string
}

// FileSink writes records as JSON lines to the given file,
// rotated by lumberjack.
func FileSink(filename string, opts ...FileSinkOption) Sink {
	options := fileSinkOptions{
		sep:        "\n",
		maxSizeMB:  100,
		maxBackups: 3,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &fileSink{
		out: &lumberjack.Logger{
			Filename:   filename,
			MaxSize:    options.maxSizeMB,
			MaxBackups: options.maxBackups,
		},
		sep: options.sep,
	}
}

// WriterSink writes records as JSON lines to an arbitrary writer.
func WriterSink(out io.WriteCloser) Sink {
	return &fileSink{
		out: out,
		sep: "\n",
	}
}

func (s *fileSink) Record(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.out.Write(data); err != nil {
		return err
	}
	if s.sep != "" {
		_, err = io.WriteString(s.out, s.sep)
	}
	return err
}

func (s *fileSink) Close() error {
	return s.out.Close()
}
