package exec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/stratahq/strata/pkg/sqlguard"
)

// DirectConfig configures a Direct backend.
type DirectConfig struct {
	Logger *slog.Logger
	DSN    string

	// MaxConns caps the pool size. Defaults to 4.
	MaxConns int32

	// Clock is used for elapsed-time measurement. Defaults to the real clock.
	Clock clockwork.Clock
}

func (cfg *DirectConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.DSN == "" {
		return fmt.Errorf("warehouse DSN is required")
	}
	return nil
}

// Direct executes validated queries over a pooled connection to the
// warehouse, enforcing the per-query timeout and row cap itself.
type Direct struct {
	log   *slog.Logger
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

// NewDirect opens a connection pool to the warehouse and verifies it is
// reachable.
func NewDirect(ctx context.Context, cfg DirectConfig) (*Direct, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate direct backend config: %w", err)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse warehouse DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create warehouse pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping warehouse: %w", err)
	}

	return &Direct{log: cfg.Logger, pool: pool, clock: cfg.Clock}, nil
}

// Execute runs one validated read query. The statement kind is re-checked
// here even though the query validator already did: the boundary never
// trusts an upstream decision it can re-verify cheaply.
func (d *Direct) Execute(ctx context.Context, sql string, limits Limits) (*ResultSet, error) {
	if p := sqlguard.CheckSyntax(sql); p != nil {
		return nil, fmt.Errorf("%w: %s", ErrRejected, p.Detail)
	}
	if p := sqlguard.CheckReadOnly(sql); p != nil {
		return nil, fmt.Errorf("%w: %s", ErrRejected, p.Detail)
	}
	if limits.MaxRows <= 0 {
		return nil, fmt.Errorf("%w: max rows limit is required", ErrRejected)
	}
	if limits.Timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout limit is required", ErrRejected)
	}

	queryCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	// Fetch one row past the cap so truncation is detectable without
	// scanning the full result.
	bounded := sqlguard.WrapWithLimit(sql, limits.MaxRows+1)

	start := d.clock.Now()
	rows, err := d.pool.Query(queryCtx, bounded)
	if err != nil {
		return nil, d.mapError(queryCtx, err)
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	columns := make([]Column, len(fds))
	typeMap := rows.Conn().TypeMap()
	for i, fd := range fds {
		typeName := "text"
		if t, ok := typeMap.TypeForOID(fd.DataTypeOID); ok {
			typeName = t.Name
		}
		columns[i] = Column{Name: string(fd.Name), Type: typeName}
	}

	rs := &ResultSet{Columns: columns}
	for rows.Next() {
		if rs.RowCount >= limits.MaxRows {
			// Cap reached: stop streaming and mark the result truncated.
			// This is not a failure.
			rs.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, d.mapError(queryCtx, err)
		}
		rs.Rows = append(rs.Rows, normalizeRow(values))
		rs.RowCount++
	}
	if !rs.Truncated {
		if err := rows.Err(); err != nil {
			return nil, d.mapError(queryCtx, err)
		}
	}
	rs.ElapsedMS = d.clock.Since(start).Milliseconds()

	d.log.Debug("exec: direct query finished",
		"rows", rs.RowCount, "truncated", rs.Truncated, "elapsed_ms", rs.ElapsedMS)
	return rs, nil
}

// Close releases the connection pool.
func (d *Direct) Close() {
	d.pool.Close()
}

func (d *Direct) mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &QueryError{Message: pgErr.Message}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// normalizeRow converts driver-specific values into JSON-friendly ones so
// both backends hand identical shapes downstream.
func normalizeRow(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		switch val := v.(type) {
		case []byte:
			out[i] = string(val)
		case time.Time:
			out[i] = val.UTC().Format(time.RFC3339)
		default:
			out[i] = v
		}
	}
	return out
}

var _ Backend = (*Direct)(nil)
