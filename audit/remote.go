package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

type tcpSink struct {
	addr   string
	dialer *net.Dialer
}

// TCPSink posts each record to a TCP collector, one connection per record.
func TCPSink(addr string, timeout time.Duration) Sink {
	return &tcpSink{
		addr: addr,
		dialer: &net.Dialer{
			Timeout: timeout,
		},
	}
}

func (s *tcpSink) Record(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	c, err := s.dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = c.Write(append(data, '\n'))
	return err
}

func (s *tcpSink) Close() error {
	return nil
}

type httpSink struct {
	url        string
	httpClient *http.Client
}

// HTTPSink posts each record to an HTTP collector.
func HTTPSink(url string, timeout time.Duration) Sink {
	return &httpSink{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *httpSink) Record(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%d %s", resp.StatusCode, resp.Status)
	}

	return nil
}

func (s *httpSink) Close() error {
	return nil
}

type redisSinkOptions struct {
	db       int
	password string
	key      string
}

type RedisSinkOption func(opts *redisSinkOptions)

func DBRedisSinkOption(db int) RedisSinkOption {
	return func(opts *redisSinkOptions) {
		opts.db = db
	}
}

func PasswordRedisSinkOption(password string) RedisSinkOption {
	return func(opts *redisSinkOptions) {
		opts.password = password
	}
}

func KeyRedisSinkOption(key string) RedisSinkOption {
	return func(opts *redisSinkOptions) {
		opts.key = key
	}
}

type redisListSink struct {
	client *redis.Client
	key    string
}

// RedisListSink pushes records onto a redis list.
func RedisListSink(addr string, opts ...RedisSinkOption) Sink {
	options := redisSinkOptions{
		key: "seamgate:audit",
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &redisListSink{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: options.password,
			DB:       options.db,
		}),
		key: options.key,
	}
}

func (s *redisListSink) Record(ctx context.Context, rec *Record) error {
	if s.key == "" {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.LPush(ctx, s.key, data).Err()
}

func (s *redisListSink) Close() error {
	return s.client.Close()
}
