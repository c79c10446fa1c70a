package exec

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectConfig_Validate(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := DirectConfig{Logger: logger, DSN: "postgres://localhost/warehouse"}
	assert.NoError(t, cfg.Validate())

	assert.Error(t, (&DirectConfig{DSN: "postgres://localhost/warehouse"}).Validate())
	assert.Error(t, (&DirectConfig{Logger: logger}).Validate())
}

// The boundary's pre-checks run before any connection is used, so a zero
// Direct is enough to exercise the rejection paths.
func TestDirect_RejectsBeforeTouchingThePool(t *testing.T) {
	t.Parallel()

	d := &Direct{}
	limits := Limits{MaxRows: 10, Timeout: time.Second}

	_, err := d.Execute(context.Background(), "DELETE FROM orders", limits)
	require.ErrorIs(t, err, ErrRejected)

	_, err = d.Execute(context.Background(), "SELECT 1 DROP TABLE orders", limits)
	require.ErrorIs(t, err, ErrRejected)

	_, err = d.Execute(context.Background(), "", limits)
	require.ErrorIs(t, err, ErrRejected)

	_, err = d.Execute(context.Background(), "SELECT 1", Limits{Timeout: time.Second})
	require.ErrorIs(t, err, ErrRejected)

	_, err = d.Execute(context.Background(), "SELECT 1", Limits{MaxRows: 10})
	require.ErrorIs(t, err, ErrRejected)
}

func TestDirect_MapError(t *testing.T) {
	t.Parallel()

	d := &Direct{}

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	err := d.mapError(expired, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTimeout)

	pgErr := &pgconn.PgError{Message: `relation "nope" does not exist`}
	err = d.mapError(context.Background(), pgErr)
	var queryErr *QueryError
	require.ErrorAs(t, err, &queryErr)
	assert.Contains(t, queryErr.Message, "nope")

	err = d.mapError(context.Background(), io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNormalizeRow(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	row := normalizeRow([]any{[]byte("bytes"), ts, int64(7), "plain", nil})

	assert.Equal(t, "bytes", row[0])
	assert.Equal(t, "2025-03-01T12:00:00Z", row[1])
	assert.Equal(t, int64(7), row[2])
	assert.Equal(t, "plain", row[3])
	assert.Nil(t, row[4])
}

func TestResultSet_ColumnIndex(t *testing.T) {
	t.Parallel()

	rs := &ResultSet{Columns: []Column{{Name: "month"}, {Name: "revenue"}}}
	assert.Equal(t, 0, rs.ColumnIndex("month"))
	assert.Equal(t, 1, rs.ColumnIndex("revenue"))
	assert.Equal(t, -1, rs.ColumnIndex("missing"))
}
