package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stratahq/strata/pkg/exec"
	"github.com/stratahq/strata/pkg/semantic"
)

const intentSystemPrompt = `You translate analytical questions into a structured intent.

You may ONLY use the metric ids, dimension ids, filter fields, operators and
time grains listed in the vocabulary below. Never invent names that are not
in the vocabulary. If the question mentions a concept by another name, map it
to the closest vocabulary id via its aliases.

Respond with JSON only:
{
  "metrics": ["<metric_id>", ...],
  "dimensions": ["<dimension_id>", ...],
  "filters": [{"field": "<field>", "operator": "<op>", "value": <value>}, ...],
  "time_grain": "<grain or omit>",
  "sort": {"field": "<id>", "descending": true/false} or omit,
  "top_k": <n or omit>
}`

const querySystemPrompt = `You write PostgreSQL queries for an analytics warehouse.

Rules:
- Produce exactly ONE read-only SELECT statement. Never write INSERT, UPDATE,
  DELETE, ALTER, DROP, TRUNCATE, CREATE, GRANT or REVOKE.
- Use only the tables and columns defined in the semantic contract below,
  joined along the declared join predicates.
- Aggregate metrics with the aggregation function the contract declares.
- A query without aggregation or GROUP BY must carry a LIMIT clause.
- List every table and column the query touches in the declarations.

Respond with JSON only:
{
  "sql": "<the query>",
  "tables": ["<table>", ...],
  "columns": ["<table.column>", ...],
  "explanation": "<one sentence>"
}`

const chartSystemPrompt = `You turn a query result into a chart specification.

Choose the chart type from the result's shape:
- one category dimension: "bar"
- one time dimension: "line"
- a time or category x-axis plus a second category dimension: "grouped_bar"

Copy every (x, y) value from the result rows into the series points exactly.
Do not round, rescale, aggregate or drop rows. With a single series, use the
series key "` + SingleSeriesKey + `". With two dimensions, the first column is
the x value, the second column names the series, the third is the y value.

Add a short narrative (two sentences at most) naming the notable values.

Respond with JSON only:
{
  "type": "bar" | "line" | "grouped_bar",
  "series": {"<series_key>": [{"x": "<x>", "y": <number>}, ...], ...},
  "narrative": "<summary>"
}`

// buildVocabulary renders the contract's ids, aliases, grains and operators
// for the intent parser's system prompt.
func buildVocabulary(contract *semantic.Contract) string {
	var b strings.Builder

	b.WriteString("Metrics:\n")
	for _, m := range contract.Metrics {
		fmt.Fprintf(&b, "- %s (%s of %s.%s)", m.ID, m.Aggregation, m.Table, m.Column)
		if len(m.Aliases) > 0 {
			fmt.Fprintf(&b, " aliases: %s", strings.Join(m.Aliases, ", "))
		}
		b.WriteString("\n")
	}

	b.WriteString("\nDimensions:\n")
	for _, d := range contract.Dimensions {
		fmt.Fprintf(&b, "- %s (%s, %s.%s)", d.ID, d.Kind, d.Table, d.Column)
		if len(d.Grains) > 0 {
			grains := make([]string, 0, len(d.Grains))
			for _, g := range d.Grains {
				grains = append(grains, string(g))
			}
			fmt.Fprintf(&b, " grains: %s", strings.Join(grains, ", "))
		}
		if len(d.Aliases) > 0 {
			fmt.Fprintf(&b, " aliases: %s", strings.Join(d.Aliases, ", "))
		}
		b.WriteString("\n")
	}

	if len(contract.Filters) > 0 {
		b.WriteString("\nFilter fields:\n")
		for _, f := range contract.Filters {
			fmt.Fprintf(&b, "- %s (%s) operators: %s\n", f.Field, f.Column, strings.Join(f.Operators, ", "))
		}
	}

	return b.String()
}

// buildIntentPrompt assembles the intent parser's system prompt from the
// static instructions and the contract vocabulary.
func buildIntentPrompt(contract *semantic.Contract) string {
	return intentSystemPrompt + "\n\n## Vocabulary\n\n" + buildVocabulary(contract)
}

// buildQueryPrompt assembles the query generator's system prompt from the
// static rules and the raw contract document.
func buildQueryPrompt(contract *semantic.Contract) string {
	return querySystemPrompt + "\n\n## Semantic Contract\n\n```yaml\n" + contract.YAML() + "\n```"
}

// formatHistory summarizes completed passes so a follow-up question like
// "now break that down by region" can resolve against earlier intents.
func formatHistory(history []Pass) string {
	var b strings.Builder
	for _, pass := range history {
		if pass.Status != PassCompleted || pass.Intent == nil {
			continue
		}
		fmt.Fprintf(&b, "Q%d: %s\n", pass.Question.Position+1, pass.Question.Text)
		fmt.Fprintf(&b, "  metrics: %s; dimensions: %s",
			strings.Join(pass.Intent.Metrics, ", "),
			strings.Join(pass.Intent.Dimensions, ", "))
		if pass.Intent.Grain != "" {
			fmt.Fprintf(&b, "; grain: %s", pass.Intent.Grain)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// formatFeedback renders a prior invalid verdict as corrective context for
// the next generation attempt.
func formatFeedback(feedback *Verdict) string {
	if feedback == nil || feedback.Valid || len(feedback.Violations) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("The previous attempt was rejected. Fix these problems:\n")
	for _, violation := range feedback.Violations {
		fmt.Fprintf(&b, "- %s\n", violation.String())
	}
	return b.String()
}

// formatResultSet renders a result set as JSON for the chart generator.
// Rows are passed whole; the chart validator later recomputes every point
// from the same result set.
func formatResultSet(rs *exec.ResultSet) string {
	names := make([]string, 0, len(rs.Columns))
	for _, col := range rs.Columns {
		names = append(names, col.Name)
	}

	payload := struct {
		Columns   []string `json:"columns"`
		Rows      [][]any  `json:"rows"`
		RowCount  int      `json:"row_count"`
		Truncated bool     `json:"truncated"`
	}{names, rs.Rows, rs.RowCount, rs.Truncated}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Sprintf("columns: %v rows: %d", names, rs.RowCount)
	}
	return string(data)
}
