package audit

import (
	"context"
	"time"
)

// Record is an immutable snapshot of a finalized session, handed exactly
// once to each configured sink.
type Record struct {
	SID         string        `json:"sid"`
	Time        time.Time     `json:"time"`
	Duration    time.Duration `json:"duration"`
	Network     string        `json:"network"`
	Src         string        `json:"src"`
	Dst         string        `json:"dst"`
	Host        string        `json:"host,omitempty"`
	Inbound     string        `json:"inbound,omitempty"`
	Process     string        `json:"process,omitempty"`
	Rule        string        `json:"rule,omitempty"`
	Outbound    string        `json:"outbound,omitempty"`
	BytesUp     uint64        `json:"bytesUp"`
	BytesDown   uint64        `json:"bytesDown"`
	CloseReason string        `json:"closeReason"`
	Parent      string        `json:"parent,omitempty"`
	Err         string        `json:"err,omitempty"`
}

// Sink consumes finalized session records.
type Sink interface {
	Record(ctx context.Context, rec *Record) error
	Close() error
}

type multiSink struct {
	sinks []Sink
}

// MultiSink fans a record out to every sink, returning the first error.
func MultiSink(sinks ...Sink) Sink {
	return &multiSink{sinks: sinks}
}

func (s *multiSink) Record(ctx context.Context, rec *Record) (err error) {
	for _, sink := range s.sinks {
		if sink == nil {
			continue
		}
		if er := sink.Record(ctx, rec); er != nil && err == nil {
			err = er
		}
	}
	return
}

func (s *multiSink) Close() (err error) {
	for _, sink := range s.sinks {
		if sink == nil {
			continue
		}
		if er := sink.Close(); er != nil && err == nil {
			err = er
		}
	}
	return
}
