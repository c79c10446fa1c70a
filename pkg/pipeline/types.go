package pipeline

import (
	"fmt"
	"strings"

	"github.com/stratahq/strata/pkg/exec"
	"github.com/stratahq/strata/pkg/semantic"
)

// Question is a single natural-language question within a session batch.
type Question struct {
	Text     string
	Position int
}

// Filter is one predicate of an intent, phrased in contract vocabulary.
type Filter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Sort asks for result ordering by a metric or dimension id.
type Sort struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending"`
}

// Intent is the structured reading of a question: which metrics over which
// dimensions, under which filters and time grain. Every id must come from
// the semantic contract; the intent validator enforces that.
type Intent struct {
	Metrics    []string       `json:"metrics"`
	Dimensions []string       `json:"dimensions"`
	Filters    []Filter       `json:"filters,omitempty"`
	Grain      semantic.Grain `json:"time_grain,omitempty"`
	Sort       *Sort          `json:"sort,omitempty"`
	TopK       int            `json:"top_k,omitempty"`
}

// Query is generated SQL together with the tables and columns the generator
// claims it touches. The declarations let the validator check the whitelist
// without a full SQL parser.
type Query struct {
	Text        string   `json:"sql"`
	Tables      []string `json:"tables"`
	Columns     []string `json:"columns"`
	Explanation string   `json:"explanation,omitempty"`
}

// Violation is one reason a validator rejected an artifact.
type Violation struct {
	Field  string
	Reason string
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Reason
	}
	return fmt.Sprintf("%s: %s", v.Field, v.Reason)
}

// Verdict is a validator's decision. An invalid verdict carries at least one
// violation; the violation list is the corrective feedback for a retry.
type Verdict struct {
	Valid      bool
	Violations []Violation
}

func Invalid(violations ...Violation) Verdict {
	return Verdict{Valid: false, Violations: violations}
}

func Valid() Verdict {
	return Verdict{Valid: true}
}

// Summary flattens the violation list into one line for logs and prompts.
func (v Verdict) Summary() string {
	if v.Valid {
		return "valid"
	}
	parts := make([]string, 0, len(v.Violations))
	for _, violation := range v.Violations {
		parts = append(parts, violation.String())
	}
	return strings.Join(parts, "; ")
}

// ChartType is the layout chosen for a chart.
type ChartType string

const (
	ChartBar        ChartType = "bar"
	ChartLine       ChartType = "line"
	ChartGroupedBar ChartType = "grouped_bar"
)

// SingleSeriesKey is the series name used when a chart has exactly one
// series, i.e. the intent carries no second category dimension.
const SingleSeriesKey = "__single_series__"

// Point is one (x, y) pair within a chart series.
type Point struct {
	X string  `json:"x"`
	Y float64 `json:"y"`
}

// ChartSpec is a chart layout plus the plotted points, produced by the chart
// generator and checked point for point by the chart validator.
type ChartSpec struct {
	Type      ChartType          `json:"type"`
	Series    map[string][]Point `json:"series"`
	Narrative string             `json:"narrative,omitempty"`
}

// PassStatus is the terminal state of one pipeline pass.
type PassStatus string

const (
	PassPending   PassStatus = "pending"
	PassCompleted PassStatus = "completed"
	PassFailed    PassStatus = "failed"
)

// FailureKind classifies why a pass failed.
type FailureKind string

const (
	// FailureValidation means a validator rejected the stage's artifact
	// after all retries were spent.
	FailureValidation FailureKind = "validation_failure"

	// FailureExecutionUnavailable means the warehouse or execution service
	// could not be reached.
	FailureExecutionUnavailable FailureKind = "execution_unavailable"

	// FailureExecutionTimeout means the query ran out of time. No partial
	// result set is kept.
	FailureExecutionTimeout FailureKind = "execution_timeout"

	// FailureGeneration means the reasoning service itself failed.
	FailureGeneration FailureKind = "generation_unavailable"
)

// Pass is the full record of one question's trip through the pipeline.
// Fields fill in stage by stage; once Status is terminal the pass is
// appended to the session record and never touched again.
type Pass struct {
	Question Question

	Intent        *Intent
	IntentVerdict *Verdict

	Query        *Query
	QueryVerdict *Verdict

	Result *exec.ResultSet

	Chart        *ChartSpec
	ChartVerdict *Verdict

	Status        PassStatus
	FailureKind   FailureKind
	FailureReason string
}

// Failed reports whether the pass ended in a failure.
func (p *Pass) Failed() bool { return p.Status == PassFailed }
