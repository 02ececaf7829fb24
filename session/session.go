package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/seamgate/seamgate/audit"
)

// State is the lifecycle phase of a session.
type State int32

const (
	StateCreated State = iota
	StateResolving
	StateIntercepting
	StateConnecting
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateResolving:
		return "resolving"
	case StateIntercepting:
		return "intercepting"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason is the terminal disposition of a session.
type CloseReason string

const (
	ReasonCompleted     CloseReason = "completed"
	ReasonBlocked       CloseReason = "blocked"
	ReasonTimedOut      CloseReason = "timedout"
	ReasonConnectFailed CloseReason = "connectfailed"
	ReasonProtocolError CloseReason = "protocolerror"
)

// Process is the optional local process attribution of a flow.
type Process struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	UID  int    `json:"uid"`
}

// Session tracks one logical connection end to end through the pipeline.
// All mutation happens on the goroutine driving the flow; the registry and
// the API layer only ever observe read-only snapshots.
type Session struct {
	id        string
	createdAt time.Time
	network   string
	src       string
	dst       string
	inbound   string
	parent    string
	process   *Process

	state atomic.Int32
	up    atomic.Uint64
	down  atomic.Uint64

	mu       sync.Mutex
	host     string
	rule     string
	outbound string
	reason   CloseReason
	errMsg   string
	closedAt time.Time
	cancel   context.CancelFunc
	done     bool
}

type Option func(s *Session)

func NetworkOption(network string) Option {
	return func(s *Session) {
		s.network = network
	}
}

func SrcOption(src string) Option {
	return func(s *Session) {
		s.src = src
	}
}

func DstOption(dst string) Option {
	return func(s *Session) {
		s.dst = dst
	}
}

func HostOption(host string) Option {
	return func(s *Session) {
		s.host = host
	}
}

func InboundOption(inbound string) Option {
	return func(s *Session) {
		s.inbound = inbound
	}
}

// ParentOption marks this session as a nested flow spawned by the
// interceptor for an inner request of the given parent session.
func ParentOption(parent string) Option {
	return func(s *Session) {
		s.parent = parent
	}
}

func ProcessOption(process *Process) Option {
	return func(s *Session) {
		s.process = process
	}
}

func New(opts ...Option) *Session {
	s := &Session{
		id:        xid.New().String(),
		createdAt: time.Now(),
		network:   "tcp",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Network() string {
	return s.network
}

func (s *Session) Src() string {
	return s.src
}

func (s *Session) Dst() string {
	return s.dst
}

func (s *Session) Parent() string {
	return s.parent
}

func (s *Session) Process() *Process {
	return s.process
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) SetState(state State) {
	s.state.Store(int32(state))
}

func (s *Session) Host() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// SetHost records the resolved domain (SNI or Host header) for the flow.
func (s *Session) SetHost(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.host = host
}

// SetRule records the matched rule. It is set exactly once; later calls
// are ignored.
func (s *Session) SetRule(rule string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rule == "" {
		s.rule = rule
	}
}

func (s *Session) Rule() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rule
}

// SetOutbound records the outbound that carried the flow. Set exactly once.
func (s *Session) SetOutbound(outbound string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outbound == "" {
		s.outbound = outbound
	}
}

func (s *Session) Outbound() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbound
}

// SetCancel attaches the cancel func of the flow context so an external
// close (API) can tear the relay down.
func (s *Session) SetCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

func (s *Session) AddUpload(n uint64) {
	s.up.Add(n)
}

func (s *Session) AddDownload(n uint64) {
	s.down.Add(n)
}

func (s *Session) SetError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errMsg == "" {
		s.errMsg = err.Error()
	}
}

// finalize transitions the session to Closed. It reports whether this call
// was the first close; only the first close carries the reason.
func (s *Session) finalize(reason CloseReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	s.reason = reason
	s.closedAt = time.Now()
	s.state.Store(int32(StateClosed))
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

// Snapshot is a read-only, point-in-time view of a session.
type Snapshot struct {
	ID        string      `json:"id"`
	CreatedAt time.Time   `json:"createdAt"`
	Network   string      `json:"network"`
	Src       string      `json:"src"`
	Dst       string      `json:"dst"`
	Host      string      `json:"host,omitempty"`
	Inbound   string      `json:"inbound,omitempty"`
	Parent    string      `json:"parent,omitempty"`
	Process   *Process    `json:"process,omitempty"`
	State     string      `json:"state"`
	Rule      string      `json:"rule,omitempty"`
	Outbound  string      `json:"outbound,omitempty"`
	BytesUp   uint64      `json:"bytesUp"`
	BytesDown uint64      `json:"bytesDown"`
	Reason    CloseReason `json:"closeReason,omitempty"`
	Err       string      `json:"err,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	host, rule, outbound := s.host, s.rule, s.outbound
	reason, errMsg := s.reason, s.errMsg
	s.mu.Unlock()

	return Snapshot{
		ID:        s.id,
		CreatedAt: s.createdAt,
		Network:   s.network,
		Src:       s.src,
		Dst:       s.dst,
		Host:      host,
		Inbound:   s.inbound,
		Parent:    s.parent,
		Process:   s.process,
		State:     s.State().String(),
		Rule:      rule,
		Outbound:  outbound,
		BytesUp:   s.up.Load(),
		BytesDown: s.down.Load(),
		Reason:    reason,
		Err:       errMsg,
	}
}

func (s *Session) auditRecord() *audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &audit.Record{
		SID:         s.id,
		Time:        s.createdAt,
		Duration:    s.closedAt.Sub(s.createdAt),
		Network:     s.network,
		Src:         s.src,
		Dst:         s.dst,
		Host:        s.host,
		Inbound:     s.inbound,
		Rule:        s.rule,
		Outbound:    s.outbound,
		BytesUp:     s.up.Load(),
		BytesDown:   s.down.Load(),
		CloseReason: string(s.reason),
		Parent:      s.parent,
		Err:         s.errMsg,
	}
	if s.process != nil {
		rec.Process = s.process.Name
	}
	return rec
}
