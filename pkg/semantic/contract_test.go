package semantic

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
version: 2
tables:
  - name: orders
    columns: [order_id, order_date, region, amount]
  - name: products
    columns: [product_id, product_name]
metrics:
  - id: revenue
    aggregation: sum
    table: orders
    column: amount
    aliases: [sales]
dimensions:
  - id: month
    kind: time
    table: orders
    column: order_date
    grains: [monthly, yearly]
  - id: region
    table: orders
    column: region
joins:
  - left: orders
    right: products
    on: orders.product_id = products.product_id
filters:
  - field: year
    column: orders.order_date
    operators: ["=", "between"]
`

func TestParse_ValidContract(t *testing.T) {
	t.Parallel()

	contract, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, 2, contract.Version)
	assert.Equal(t, []string{"revenue"}, contract.MetricIDs())
	assert.Equal(t, []string{"month", "region"}, contract.DimensionIDs())

	metric, ok := contract.Metric("revenue")
	require.True(t, ok)
	assert.Equal(t, "sum", metric.Aggregation)

	dim, ok := contract.Dimension("month")
	require.True(t, ok)
	assert.True(t, dim.IsTime())
	assert.True(t, dim.SupportsGrain(GrainMonthly))
	assert.False(t, dim.SupportsGrain(GrainDaily))

	_, ok = contract.Dimension("nope")
	assert.False(t, ok)

	field, ok := contract.FilterField("year")
	require.True(t, ok)
	assert.Equal(t, []string{"=", "between"}, field.Operators)
}

func TestParse_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing version",
			yaml: "tables:\n  - name: t\n    columns: [a]\nmetrics:\n  - id: m\n    aggregation: sum\n    table: t\n    column: a\n",
			want: "version",
		},
		{
			name: "no metrics",
			yaml: "version: 1\ntables:\n  - name: t\n    columns: [a]\n",
			want: "no metrics",
		},
		{
			name: "metric references unknown table",
			yaml: "version: 1\ntables:\n  - name: t\n    columns: [a]\nmetrics:\n  - id: m\n    aggregation: sum\n    table: missing\n    column: a\n",
			want: "unknown table",
		},
		{
			name: "metric references unknown column",
			yaml: "version: 1\ntables:\n  - name: t\n    columns: [a]\nmetrics:\n  - id: m\n    aggregation: sum\n    table: t\n    column: b\n",
			want: "unknown column",
		},
		{
			name: "duplicate ids across metrics and dimensions",
			yaml: "version: 1\ntables:\n  - name: t\n    columns: [a]\nmetrics:\n  - id: m\n    aggregation: sum\n    table: t\n    column: a\ndimensions:\n  - id: m\n    table: t\n    column: a\n",
			want: "duplicate id",
		},
		{
			name: "unknown grain",
			yaml: "version: 1\ntables:\n  - name: t\n    columns: [a]\nmetrics:\n  - id: m\n    aggregation: sum\n    table: t\n    column: a\ndimensions:\n  - id: d\n    kind: time\n    table: t\n    column: a\n    grains: [hourly]\n",
			want: "unknown grain",
		},
		{
			name: "unknown filter operator",
			yaml: "version: 1\ntables:\n  - name: t\n    columns: [a]\nmetrics:\n  - id: m\n    aggregation: sum\n    table: t\n    column: a\nfilters:\n  - field: f\n    column: t.a\n    operators: [\"~=\"]\n",
			want: "unknown operator",
		},
		{
			name: "join references unknown table",
			yaml: "version: 1\ntables:\n  - name: t\n    columns: [a]\nmetrics:\n  - id: m\n    aggregation: sum\n    table: t\n    column: a\njoins:\n  - left: t\n    right: missing\n    on: x\n",
			want: "unknown table",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCanonical(t *testing.T) {
	t.Parallel()

	contract, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "revenue", contract.Canonical("revenue"))
	assert.Equal(t, "revenue", contract.Canonical("sales"))
	assert.Equal(t, "revenue", contract.Canonical("  Sales "))
	assert.Equal(t, "month", contract.Canonical("month"))
	assert.Equal(t, "unknown_thing", contract.Canonical("unknown_thing"))
}

func TestAllowedSets(t *testing.T) {
	t.Parallel()

	contract, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	tables := contract.AllowedTables()
	assert.True(t, tables["orders"])
	assert.True(t, tables["products"])
	assert.False(t, tables["customers"])

	columns := contract.AllowedColumns()
	assert.True(t, columns["amount"])
	assert.True(t, columns["orders.amount"])
	assert.False(t, columns["orders.secret"])
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "contract.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o644))

	contract, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, contract.Version)

	// Raw document round-trips for prompt construction.
	assert.Contains(t, contract.YAML(), "aliases: [sales]")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidGrainAndOperator(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidGrain(GrainQuarterly))
	assert.False(t, ValidGrain("hourly"))
	assert.True(t, ValidOperator("not_in"))
	assert.False(t, ValidOperator("~="))
}
