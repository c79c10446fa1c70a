package exec

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/stratahq/strata/pkg/sqlguard"
)

// RemoteConfig configures a Remote backend.
type RemoteConfig struct {
	Logger *slog.Logger
	Addr   string // host:port of the execution service

	// DialTimeout bounds a single connection attempt. Defaults to 5s.
	DialTimeout time.Duration

	// MaxDialElapsed bounds the whole dial-with-retry budget. Defaults to 15s.
	MaxDialElapsed time.Duration

	// Clock is used for elapsed-time measurement. Defaults to the real clock.
	Clock clockwork.Clock
}

func (cfg *RemoteConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Addr == "" {
		return fmt.Errorf("execution service address is required")
	}
	return nil
}

// Remote delegates query execution to the execution service over the
// newline-delimited JSON protocol. A fresh connection is established per
// query; the service applies its own limits independently of the request.
type Remote struct {
	log    *slog.Logger
	cfg    RemoteConfig
	clock  clockwork.Clock
	dialer net.Dialer
}

// NewRemote creates a Remote backend. The service is not contacted until the
// first Execute call.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate remote backend config: %w", err)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.MaxDialElapsed == 0 {
		cfg.MaxDialElapsed = 15 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Remote{log: cfg.Logger, cfg: cfg, clock: cfg.Clock}, nil
}

// Execute sends the validated query and its limits as a single request and
// decodes the serialized result set or structured error that comes back.
func (r *Remote) Execute(ctx context.Context, sql string, limits Limits) (*ResultSet, error) {
	if p := sqlguard.CheckSyntax(sql); p != nil {
		return nil, fmt.Errorf("%w: %s", ErrRejected, p.Detail)
	}
	if p := sqlguard.CheckReadOnly(sql); p != nil {
		return nil, fmt.Errorf("%w: %s", ErrRejected, p.Detail)
	}

	conn, err := r.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	// The response must arrive within the query timeout plus slack for
	// transport overhead.
	deadline := r.clock.Now().Add(limits.Timeout + r.cfg.DialTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	req := Request{
		QueryText: sql,
		MaxRows:   limits.MaxRows,
		TimeoutMS: limits.Timeout.Milliseconds(),
	}
	start := r.clock.Now()
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	reader := bufio.NewReaderSize(conn, 1<<20)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, fmt.Errorf("%w: no response within %s", ErrTimeout, limits.Timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("%w: invalid response: %v", ErrUnavailable, err)
	}

	if resp.ErrorKind != "" {
		switch resp.ErrorKind {
		case ErrorKindTimeout:
			return nil, fmt.Errorf("%w: %s", ErrTimeout, resp.Message)
		case ErrorKindRejected:
			return nil, fmt.Errorf("%w: %s", ErrRejected, resp.Message)
		case ErrorKindQuery:
			return nil, &QueryError{Message: resp.Message}
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, resp.Message)
		}
	}

	rs := &ResultSet{
		Columns:   resp.Columns,
		Rows:      resp.Rows,
		RowCount:  len(resp.Rows),
		Truncated: resp.Truncated,
		ElapsedMS: r.clock.Since(start).Milliseconds(),
	}
	r.log.Debug("exec: remote query finished",
		"rows", rs.RowCount, "truncated", rs.Truncated, "elapsed_ms", rs.ElapsedMS)
	return rs, nil
}

// Close is a no-op: connections are per-query.
func (r *Remote) Close() {}

func (r *Remote) dial(ctx context.Context) (net.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = r.cfg.MaxDialElapsed
	policy := backoff.WithContext(bo, ctx)
	var conn net.Conn
	err := backoff.Retry(func() error {
		dialCtx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
		defer cancel()
		c, err := r.dialer.DialContext(dialCtx, "tcp", r.cfg.Addr)
		if err != nil {
			r.log.Debug("exec: dial failed, retrying", "addr", r.cfg.Addr, "error", err)
			return err
		}
		conn = c
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

var _ Backend = (*Remote)(nil)
