package pipeline

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratahq/strata/pkg/exec"
	"github.com/stratahq/strata/pkg/semantic"
)

const testContractYAML = `
version: 1
tables:
  - name: orders
    columns: [order_id, order_date, product_id, region, amount]
  - name: products
    columns: [product_id, product_name]
metrics:
  - id: revenue
    label: Revenue
    aggregation: sum
    table: orders
    column: amount
    aliases: [sales, turnover]
  - id: order_count
    aggregation: count
    table: orders
    column: order_id
dimensions:
  - id: month
    kind: time
    table: orders
    column: order_date
    grains: [monthly, quarterly, yearly]
  - id: product
    table: products
    column: product_name
    aliases: [item]
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

func testContract(t *testing.T) *semantic.Contract {
	t.Helper()
	contract, err := semantic.Parse([]byte(testContractYAML))
	require.NoError(t, err)
	return contract
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// llmCall records one completion request for assertions.
type llmCall struct {
	stage      string
	userPrompt string
}

// mockLLM scripts responses per stage. Stages are told apart by their system
// prompts; responses are consumed in order and the last one repeats once a
// stage's script runs out.
type mockLLM struct {
	mu      sync.Mutex
	intents []string
	queries []string
	charts  []string
	err     error
	calls   []llmCall
}

func (m *mockLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return "", m.err
	}

	var stage string
	var script *[]string
	switch {
	case strings.Contains(systemPrompt, "structured intent"):
		stage, script = "intent", &m.intents
	case strings.Contains(systemPrompt, "PostgreSQL queries"):
		stage, script = "query", &m.queries
	case strings.Contains(systemPrompt, "chart specification"):
		stage, script = "chart", &m.charts
	default:
		stage = "unknown"
	}

	m.calls = append(m.calls, llmCall{stage: stage, userPrompt: userPrompt})

	if script == nil || len(*script) == 0 {
		return "", ErrGenerationUnavailable
	}
	response := (*script)[0]
	if len(*script) > 1 {
		*script = (*script)[1:]
	}
	return response, nil
}

func (m *mockLLM) callsFor(stage string) []llmCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []llmCall
	for _, call := range m.calls {
		if call.stage == stage {
			out = append(out, call)
		}
	}
	return out
}

// mockBackend scripts Execute outcomes in order; once the script runs out it
// keeps returning the last entry.
type mockBackend struct {
	mu      sync.Mutex
	script  []backendResult
	queries []string
	limits  []exec.Limits
}

type backendResult struct {
	result *exec.ResultSet
	err    error
}

func (b *mockBackend) Execute(ctx context.Context, sql string, limits exec.Limits) (*exec.ResultSet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queries = append(b.queries, sql)
	b.limits = append(b.limits, limits)

	if len(b.script) == 0 {
		return &exec.ResultSet{
			Columns:  []exec.Column{{Name: "x", Type: "text"}, {Name: "y", Type: "numeric"}},
			RowCount: 0,
		}, nil
	}
	next := b.script[0]
	if len(b.script) > 1 {
		b.script = b.script[1:]
	}
	return next.result, next.err
}

func (b *mockBackend) Close() {}

func (b *mockBackend) executedQueries() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.queries...)
}

func newTestPipeline(t *testing.T, llm LLMClient, backend exec.Backend) *Pipeline {
	t.Helper()
	p, err := New(Config{
		Logger:   testLogger(),
		LLM:      llm,
		Contract: testContract(t),
		Backend:  backend,
		Limits:   exec.Limits{MaxRows: 1000, Timeout: 5 * time.Second},
	})
	require.NoError(t, err)
	return p
}

// Canned artifacts for the happy path: monthly revenue by product in 2025.

const goodIntentJSON = `{
  "metrics": ["revenue"],
  "dimensions": ["month", "product"],
  "filters": [{"field": "year", "operator": "=", "value": 2025}],
  "time_grain": "monthly"
}`

const goodQuerySQL = "SELECT date_trunc('month', orders.order_date) AS month, products.product_name, " +
	"sum(orders.amount) AS revenue FROM orders JOIN products ON orders.product_id = products.product_id " +
	"WHERE orders.order_date >= '2025-01-01' AND orders.order_date < '2026-01-01' GROUP BY 1, 2 ORDER BY 1"

const goodQueryJSON = `{
  "sql": "` + "SELECT date_trunc('month', orders.order_date) AS month, products.product_name, sum(orders.amount) AS revenue FROM orders JOIN products ON orders.product_id = products.product_id WHERE orders.order_date >= '2025-01-01' AND orders.order_date < '2026-01-01' GROUP BY 1, 2 ORDER BY 1" + `",
  "tables": ["orders", "products"],
  "columns": ["orders.order_date", "products.product_name", "orders.amount", "orders.product_id", "products.product_id"],
  "explanation": "Monthly revenue per product for 2025."
}`

func goodResultSet() *exec.ResultSet {
	return &exec.ResultSet{
		Columns: []exec.Column{
			{Name: "month", Type: "text"},
			{Name: "product_name", Type: "text"},
			{Name: "revenue", Type: "numeric"},
		},
		Rows: [][]any{
			{"2025-01", "widget", float64(1200)},
			{"2025-01", "gadget", float64(800)},
			{"2025-02", "widget", float64(1350)},
			{"2025-02", "gadget", float64(900)},
		},
		RowCount: 4,
	}
}

const goodChartJSON = `{
  "type": "grouped_bar",
  "series": {
    "widget": [{"x": "2025-01", "y": 1200}, {"x": "2025-02", "y": 1350}],
    "gadget": [{"x": "2025-01", "y": 800}, {"x": "2025-02", "y": 900}]
  },
  "narrative": "Widget revenue leads both months and grew in February."
}`
