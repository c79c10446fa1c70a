// Package exec is the execution boundary: the only code path allowed to run
// a query against the warehouse. Two interchangeable backends satisfy the
// same contract; selection happens once per session and is invisible to the
// rest of the pipeline.
package exec

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Limits bounds a single query execution.
type Limits struct {
	MaxRows int
	Timeout time.Duration
}

// Column describes one result column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ResultSet is the outcome of one query execution. It is owned by the
// pipeline pass that requested it and never mutated after creation.
type ResultSet struct {
	Columns   []Column
	Rows      [][]any
	RowCount  int
	Truncated bool
	ElapsedMS int64
}

// ColumnIndex returns the position of the named column, or -1.
func (rs *ResultSet) ColumnIndex(name string) int {
	for i, c := range rs.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Backend executes exactly one validated query and returns a ResultSet.
type Backend interface {
	Execute(ctx context.Context, sql string, limits Limits) (*ResultSet, error)
	Close()
}

// Sentinel errors for the boundary's failure modes. A row cap reached is not
// a failure: the ResultSet comes back with Truncated set.
var (
	// ErrUnavailable means the warehouse or execution service could not be
	// reached. Fatal for the current pass only.
	ErrUnavailable = errors.New("execution backend unavailable")

	// ErrTimeout means the query exceeded its time limit. No partial
	// ResultSet is surfaced.
	ErrTimeout = errors.New("execution timed out")

	// ErrRejected means the boundary refused the query, e.g. a non-read
	// statement that slipped past upstream validation.
	ErrRejected = errors.New("query rejected by execution boundary")
)

// QueryError is a warehouse-side SQL error for a query that passed static
// validation but failed at runtime.
type QueryError struct {
	Message string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed: %s", e.Message)
}
