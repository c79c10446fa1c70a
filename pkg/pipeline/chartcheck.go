package pipeline

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/stratahq/strata/pkg/exec"
)

// DefaultChartTolerance is the relative tolerance for comparing chart point
// values against values recomputed from the result set.
const DefaultChartTolerance = 1e-6

// ChartValidator recomputes, directly from the result set, the (x, series, y)
// triples a chart must contain, and compares them point for point against the
// generated specification. The layout choice is the generator's; the numbers
// are not.
type ChartValidator struct {
	log       *slog.Logger
	tolerance float64
}

// NewChartValidator creates a validator. tolerance <= 0 selects the default.
func NewChartValidator(log *slog.Logger, tolerance float64) *ChartValidator {
	if tolerance <= 0 {
		tolerance = DefaultChartTolerance
	}
	return &ChartValidator{log: log, tolerance: tolerance}
}

type chartKey struct {
	x      string
	series string
}

// Validate compares the spec's points against the result set. A chart is
// valid only when both directions hold: no expected point is missing from
// the spec, no spec point is absent from the result, and every matched pair
// agrees within the tolerance. Every mismatch is logged.
func (v *ChartValidator) Validate(spec ChartSpec, rs *exec.ResultSet, intent Intent) Verdict {
	switch spec.Type {
	case ChartBar, ChartLine, ChartGroupedBar:
	default:
		return Invalid(Violation{Field: "type", Reason: fmt.Sprintf("unknown chart type %q", spec.Type)})
	}
	if strings.TrimSpace(spec.Narrative) == "" {
		return Invalid(Violation{Field: "narrative", Reason: "narrative is empty"})
	}

	expected, err := v.expectedPoints(rs, intent)
	if err != nil {
		return Invalid(Violation{Field: "result", Reason: err.Error()})
	}

	actual := make(map[chartKey]float64)
	var violations []Violation
	for seriesKey, points := range spec.Series {
		for _, point := range points {
			key := chartKey{x: point.X, series: seriesKey}
			if _, dup := actual[key]; dup {
				violations = append(violations, Violation{
					Field:  pointLabel(key),
					Reason: "duplicate point in chart",
				})
				continue
			}
			actual[key] = point.Y
		}
	}

	for key, want := range expected {
		got, ok := actual[key]
		if !ok {
			v.log.Warn("chart: missing point", "x", key.x, "series", key.series, "want", want)
			violations = append(violations, Violation{
				Field:  pointLabel(key),
				Reason: fmt.Sprintf("missing from chart, expected %g", want),
			})
			continue
		}
		if !v.withinTolerance(got, want) {
			v.log.Warn("chart: value mismatch", "x", key.x, "series", key.series, "want", want, "got", got)
			violations = append(violations, Violation{
				Field:  pointLabel(key),
				Reason: fmt.Sprintf("value %g does not match result value %g", got, want),
			})
		}
	}

	for key, got := range actual {
		if _, ok := expected[key]; !ok {
			v.log.Warn("chart: extra point", "x", key.x, "series", key.series, "got", got)
			violations = append(violations, Violation{
				Field:  pointLabel(key),
				Reason: "not present in the query result",
			})
		}
	}

	if len(violations) > 0 {
		return Invalid(violations...)
	}
	return Valid()
}

// expectedPoints derives the ground truth from the result set. Column order
// follows the generated query's shape: x first, then the series column when
// the intent has a second dimension, then the metric value.
func (v *ChartValidator) expectedPoints(rs *exec.ResultSet, intent Intent) (map[chartKey]float64, error) {
	if rs == nil || len(rs.Columns) == 0 {
		return nil, fmt.Errorf("empty result set")
	}

	xIdx := 0
	seriesIdx := -1
	yIdx := 1
	if len(intent.Dimensions) >= 2 {
		seriesIdx = 1
		yIdx = 2
	}
	if yIdx >= len(rs.Columns) {
		return nil, fmt.Errorf("result has %d columns, need %d for the intent's shape", len(rs.Columns), yIdx+1)
	}

	expected := make(map[chartKey]float64, len(rs.Rows))
	for i, row := range rs.Rows {
		if yIdx >= len(row) {
			return nil, fmt.Errorf("row %d has %d values, need %d", i, len(row), yIdx+1)
		}

		key := chartKey{x: stringValue(row[xIdx]), series: SingleSeriesKey}
		if seriesIdx >= 0 {
			key.series = stringValue(row[seriesIdx])
		}

		y, err := floatValue(row[yIdx])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		expected[key] = y
	}
	return expected, nil
}

// withinTolerance compares relatively, falling back to absolute comparison
// near zero.
func (v *ChartValidator) withinTolerance(got, want float64) bool {
	diff := math.Abs(got - want)
	scale := math.Max(math.Abs(got), math.Abs(want))
	if scale < 1 {
		return diff <= v.tolerance
	}
	return diff <= v.tolerance*scale
}

func pointLabel(key chartKey) string {
	if key.series == SingleSeriesKey {
		return key.x
	}
	return key.x + "/" + key.series
}

func stringValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case time.Time:
		return value.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", value)
	}
}

func floatValue(v any) (float64, error) {
	switch value := v.(type) {
	case float64:
		return value, nil
	case float32:
		return float64(value), nil
	case int:
		return float64(value), nil
	case int32:
		return float64(value), nil
	case int64:
		return float64(value), nil
	case string:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not numeric", value)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("value %v (%T) is not numeric", v, v)
	}
}
