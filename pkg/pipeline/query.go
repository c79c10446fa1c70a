package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stratahq/strata/pkg/semantic"
	"github.com/stratahq/strata/pkg/sqlguard"
)

// QueryGenerator writes SQL for a validated intent, with the semantic
// contract in the system prompt as the only schema the model may use.
type QueryGenerator struct {
	log      *slog.Logger
	llm      LLMClient
	contract *semantic.Contract
}

func NewQueryGenerator(log *slog.Logger, llm LLMClient, contract *semantic.Contract) *QueryGenerator {
	return &QueryGenerator{log: log, llm: llm, contract: contract}
}

// Generate produces a query for the intent. feedback carries the prior
// attempt's violations so the model can correct them.
func (g *QueryGenerator) Generate(ctx context.Context, intent Intent, feedback *Verdict) (Query, error) {
	systemPrompt := buildQueryPrompt(g.contract)

	intentJSON, err := json.MarshalIndent(intent, "", "  ")
	if err != nil {
		return Query{}, fmt.Errorf("query generation: marshal intent: %w", err)
	}

	var userPrompt strings.Builder
	userPrompt.WriteString("Write the query for this intent:\n\n")
	userPrompt.Write(intentJSON)
	userPrompt.WriteString("\n")
	if fb := formatFeedback(feedback); fb != "" {
		userPrompt.WriteString("\n")
		userPrompt.WriteString(fb)
	}

	response, err := g.llm.Complete(ctx, systemPrompt, userPrompt.String())
	if err != nil {
		return Query{}, fmt.Errorf("query generation: %w", err)
	}

	query, err := parseQueryResponse(response)
	if err != nil {
		return Query{}, fmt.Errorf("query generation: %w", err)
	}

	g.log.Debug("query: generated", "tables", query.Tables, "columns", len(query.Columns))
	return query, nil
}

func parseQueryResponse(response string) (Query, error) {
	jsonStr := extractJSON(response)
	if jsonStr == "" {
		return Query{}, fmt.Errorf("%w: no JSON object in response", ErrGenerationUnavailable)
	}

	var query Query
	if err := json.Unmarshal([]byte(jsonStr), &query); err != nil {
		return Query{}, fmt.Errorf("%w: malformed JSON: %v", ErrGenerationUnavailable, err)
	}

	query.Text = cleanSQL(query.Text)
	if query.Text == "" {
		return Query{}, fmt.Errorf("%w: no SQL in response", ErrGenerationUnavailable)
	}
	return query, nil
}

// QueryValidator statically checks generated SQL before anything reaches
// the warehouse.
type QueryValidator struct {
	contract *semantic.Contract
}

func NewQueryValidator(contract *semantic.Contract) *QueryValidator {
	return &QueryValidator{contract: contract}
}

// Validate runs the guard checks in order: syntax, whitelist, statement
// kind, resource shape. The first failed check short-circuits the rest.
func (v *QueryValidator) Validate(query Query) Verdict {
	decl := sqlguard.Declared{
		Tables:  query.Tables,
		Columns: query.Columns,
	}
	allow := sqlguard.Allowlist{
		Tables:  v.contract.AllowedTables(),
		Columns: v.contract.AllowedColumns(),
	}

	if problem := sqlguard.Check(query.Text, decl, allow); problem != nil {
		return Invalid(Violation{Field: string(problem.Kind), Reason: problem.Detail})
	}
	return Valid()
}
