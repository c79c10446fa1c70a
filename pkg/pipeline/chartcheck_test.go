package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratahq/strata/pkg/exec"
)

func singleSeriesResult() *exec.ResultSet {
	return &exec.ResultSet{
		Columns: []exec.Column{
			{Name: "product_name", Type: "text"},
			{Name: "revenue", Type: "numeric"},
		},
		Rows: [][]any{
			{"widget", float64(1200)},
			{"gadget", float64(800)},
		},
		RowCount: 2,
	}
}

func singleSeriesIntent() Intent {
	return Intent{Metrics: []string{"revenue"}, Dimensions: []string{"product"}}
}

func twoDimIntent() Intent {
	return Intent{Metrics: []string{"revenue"}, Dimensions: []string{"month", "product"}, Grain: "monthly"}
}

func TestChartValidator_AcceptsMatchingSingleSeries(t *testing.T) {
	t.Parallel()

	spec := ChartSpec{
		Narrative: "scripted narrative",
		Type:      ChartBar,
		Series: map[string][]Point{
			SingleSeriesKey: {{X: "widget", Y: 1200}, {X: "gadget", Y: 800}},
		},
	}

	verdict := NewChartValidator(testLogger(), 0).Validate(spec, singleSeriesResult(), singleSeriesIntent())
	assert.True(t, verdict.Valid, verdict.Summary())
}

func TestChartValidator_AcceptsMatchingTwoDimensions(t *testing.T) {
	t.Parallel()

	spec := ChartSpec{
		Narrative: "scripted narrative",
		Type:      ChartGroupedBar,
		Series: map[string][]Point{
			"widget": {{X: "2025-01", Y: 1200}, {X: "2025-02", Y: 1350}},
			"gadget": {{X: "2025-01", Y: 800}, {X: "2025-02", Y: 900}},
		},
	}

	verdict := NewChartValidator(testLogger(), 0).Validate(spec, goodResultSet(), twoDimIntent())
	assert.True(t, verdict.Valid, verdict.Summary())
}

func TestChartValidator_RejectsMissingPoint(t *testing.T) {
	t.Parallel()

	spec := ChartSpec{
		Narrative: "scripted narrative",
		Type:      ChartBar,
		Series: map[string][]Point{
			SingleSeriesKey: {{X: "widget", Y: 1200}},
		},
	}

	verdict := NewChartValidator(testLogger(), 0).Validate(spec, singleSeriesResult(), singleSeriesIntent())
	require.False(t, verdict.Valid)
	assert.Contains(t, verdict.Summary(), "gadget")
	assert.Contains(t, verdict.Summary(), "missing")
}

func TestChartValidator_RejectsExtraPoint(t *testing.T) {
	t.Parallel()

	spec := ChartSpec{
		Narrative: "scripted narrative",
		Type:      ChartBar,
		Series: map[string][]Point{
			SingleSeriesKey: {
				{X: "widget", Y: 1200},
				{X: "gadget", Y: 800},
				{X: "gizmo", Y: 50},
			},
		},
	}

	verdict := NewChartValidator(testLogger(), 0).Validate(spec, singleSeriesResult(), singleSeriesIntent())
	require.False(t, verdict.Valid)
	assert.Contains(t, verdict.Summary(), "gizmo")
}

func TestChartValidator_RejectsValueMismatch(t *testing.T) {
	t.Parallel()

	spec := ChartSpec{
		Narrative: "scripted narrative",
		Type:      ChartBar,
		Series: map[string][]Point{
			SingleSeriesKey: {{X: "widget", Y: 1300}, {X: "gadget", Y: 800}},
		},
	}

	verdict := NewChartValidator(testLogger(), 0).Validate(spec, singleSeriesResult(), singleSeriesIntent())
	require.False(t, verdict.Valid)
	assert.Contains(t, verdict.Summary(), "widget")
	assert.Contains(t, verdict.Summary(), "does not match")
}

func TestChartValidator_ToleratesRounding(t *testing.T) {
	t.Parallel()

	rs := &exec.ResultSet{
		Columns:  []exec.Column{{Name: "product_name"}, {Name: "revenue"}},
		Rows:     [][]any{{"widget", 1200.0000001}},
		RowCount: 1,
	}
	spec := ChartSpec{
		Narrative: "scripted narrative",
		Type:      ChartBar,
		Series: map[string][]Point{
			SingleSeriesKey: {{X: "widget", Y: 1200}},
		},
	}

	verdict := NewChartValidator(testLogger(), 0).Validate(spec, rs, singleSeriesIntent())
	assert.True(t, verdict.Valid, verdict.Summary())

	// A tighter tolerance turns the same delta into a mismatch.
	strict := NewChartValidator(testLogger(), 1e-12).Validate(spec, rs, singleSeriesIntent())
	assert.False(t, strict.Valid)
}

func TestChartValidator_RejectsDuplicatePoints(t *testing.T) {
	t.Parallel()

	spec := ChartSpec{
		Narrative: "scripted narrative",
		Type:      ChartBar,
		Series: map[string][]Point{
			SingleSeriesKey: {
				{X: "widget", Y: 1200},
				{X: "widget", Y: 1200},
				{X: "gadget", Y: 800},
			},
		},
	}

	verdict := NewChartValidator(testLogger(), 0).Validate(spec, singleSeriesResult(), singleSeriesIntent())
	require.False(t, verdict.Valid)
	assert.Contains(t, verdict.Summary(), "duplicate")
}

func TestChartValidator_RejectsUnknownChartType(t *testing.T) {
	t.Parallel()

	spec := ChartSpec{Type: "pie", Series: map[string][]Point{}}
	verdict := NewChartValidator(testLogger(), 0).Validate(spec, singleSeriesResult(), singleSeriesIntent())
	require.False(t, verdict.Valid)
	assert.Contains(t, verdict.Summary(), "pie")
}

func TestChartValidator_RejectsEmptyNarrative(t *testing.T) {
	t.Parallel()

	spec := ChartSpec{
		Narrative: "   ",
		Type:      ChartBar,
		Series: map[string][]Point{
			SingleSeriesKey: {{X: "widget", Y: 1200}, {X: "gadget", Y: 800}},
		},
	}

	verdict := NewChartValidator(testLogger(), 0).Validate(spec, singleSeriesResult(), singleSeriesIntent())
	require.False(t, verdict.Valid)
	assert.Contains(t, verdict.Summary(), "narrative")
}

func TestChartValidator_RejectsNonNumericMetricColumn(t *testing.T) {
	t.Parallel()

	rs := &exec.ResultSet{
		Columns:  []exec.Column{{Name: "product_name"}, {Name: "revenue"}},
		Rows:     [][]any{{"widget", "lots"}},
		RowCount: 1,
	}
	spec := ChartSpec{
		Narrative: "scripted narrative",
		Type:      ChartBar,
		Series:    map[string][]Point{SingleSeriesKey: {{X: "widget", Y: 0}}},
	}

	verdict := NewChartValidator(testLogger(), 0).Validate(spec, rs, singleSeriesIntent())
	require.False(t, verdict.Valid)
	assert.Contains(t, verdict.Summary(), "not numeric")
}

func TestChartValidator_HandlesIntegerAndStringValues(t *testing.T) {
	t.Parallel()

	rs := &exec.ResultSet{
		Columns:  []exec.Column{{Name: "product_name"}, {Name: "revenue"}},
		Rows:     [][]any{{"widget", int64(1200)}, {"gadget", "800.5"}},
		RowCount: 2,
	}
	spec := ChartSpec{
		Narrative: "scripted narrative",
		Type:      ChartBar,
		Series: map[string][]Point{
			SingleSeriesKey: {{X: "widget", Y: 1200}, {X: "gadget", Y: 800.5}},
		},
	}

	verdict := NewChartValidator(testLogger(), 0).Validate(spec, rs, singleSeriesIntent())
	assert.True(t, verdict.Valid, verdict.Summary())
}
