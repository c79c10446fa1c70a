package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stratahq/strata/pkg/semantic"
)

// IntentParser turns a natural-language question into a structured intent,
// constrained to the contract's vocabulary.
type IntentParser struct {
	log      *slog.Logger
	llm      LLMClient
	contract *semantic.Contract
}

func NewIntentParser(log *slog.Logger, llm LLMClient, contract *semantic.Contract) *IntentParser {
	return &IntentParser{log: log, llm: llm, contract: contract}
}

// Parse asks the reasoning service for an intent. Completed passes from the
// same session are summarized into the prompt so follow-up phrasings resolve
// against earlier questions. A prior invalid verdict, when present, is fed
// back as corrective context.
func (p *IntentParser) Parse(ctx context.Context, question Question, history []Pass, feedback *Verdict) (Intent, error) {
	systemPrompt := buildIntentPrompt(p.contract)

	var userPrompt strings.Builder
	if summary := formatHistory(history); summary != "" {
		userPrompt.WriteString("Earlier questions in this session:\n")
		userPrompt.WriteString(summary)
		userPrompt.WriteString("\n")
	}
	fmt.Fprintf(&userPrompt, "Question: %s\n", question.Text)
	if fb := formatFeedback(feedback); fb != "" {
		userPrompt.WriteString("\n")
		userPrompt.WriteString(fb)
	}

	response, err := p.llm.Complete(ctx, systemPrompt, userPrompt.String())
	if err != nil {
		return Intent{}, fmt.Errorf("intent parsing: %w", err)
	}

	jsonStr := extractJSON(response)
	if jsonStr == "" {
		return Intent{}, fmt.Errorf("intent parsing: %w: no JSON object in response", ErrGenerationUnavailable)
	}

	var intent Intent
	if err := json.Unmarshal([]byte(jsonStr), &intent); err != nil {
		return Intent{}, fmt.Errorf("intent parsing: %w: malformed JSON: %v", ErrGenerationUnavailable, err)
	}

	p.canonicalize(&intent)

	p.log.Debug("intent: parsed",
		"question", question.Text,
		"metrics", intent.Metrics,
		"dimensions", intent.Dimensions,
		"grain", intent.Grain,
	)
	return intent, nil
}

// canonicalize maps aliases the model may have used back to contract ids.
func (p *IntentParser) canonicalize(intent *Intent) {
	for i, m := range intent.Metrics {
		intent.Metrics[i] = p.contract.Canonical(m)
	}
	for i, d := range intent.Dimensions {
		intent.Dimensions[i] = p.contract.Canonical(d)
	}
}

// IntentValidator checks a structured intent against the semantic contract.
type IntentValidator struct {
	contract *semantic.Contract
}

func NewIntentValidator(contract *semantic.Contract) *IntentValidator {
	return &IntentValidator{contract: contract}
}

// Validate rejects intents referencing ids outside the contract, filters on
// unknown fields or with illegal operators, and grains no requested time
// dimension supports. Every violation names the offending field.
func (v *IntentValidator) Validate(intent Intent) Verdict {
	var violations []Violation

	if len(intent.Metrics) == 0 {
		violations = append(violations, Violation{Field: "metrics", Reason: "at least one metric is required"})
	}
	if len(intent.Dimensions) == 0 {
		violations = append(violations, Violation{Field: "dimensions", Reason: "at least one dimension is required"})
	}

	for _, id := range intent.Metrics {
		if _, ok := v.contract.Metric(id); !ok {
			violations = append(violations, Violation{Field: id, Reason: "unknown metric"})
		}
	}

	seen := make(map[string]bool, len(intent.Dimensions))
	for _, id := range intent.Dimensions {
		if seen[id] {
			violations = append(violations, Violation{Field: id, Reason: "dimension requested twice"})
			continue
		}
		seen[id] = true
		if _, ok := v.contract.Dimension(id); !ok {
			violations = append(violations, Violation{Field: id, Reason: "unknown dimension"})
		}
	}

	for _, f := range intent.Filters {
		field, ok := v.contract.FilterField(f.Field)
		if !ok {
			violations = append(violations, Violation{Field: f.Field, Reason: "unknown filter field"})
			continue
		}
		if !operatorAllowed(field, f.Operator) {
			violations = append(violations, Violation{
				Field:  f.Field,
				Reason: fmt.Sprintf("operator %q not allowed for this field", f.Operator),
			})
		}
	}

	if intent.Grain != "" {
		violations = append(violations, v.checkGrain(intent)...)
	}

	if intent.TopK < 0 {
		violations = append(violations, Violation{Field: "top_k", Reason: "must not be negative"})
	}

	if len(violations) > 0 {
		return Invalid(violations...)
	}
	return Valid()
}

// checkGrain requires a requested grain to be legal and carried by at least
// one requested time dimension.
func (v *IntentValidator) checkGrain(intent Intent) []Violation {
	if !semantic.ValidGrain(intent.Grain) {
		return []Violation{{Field: "time_grain", Reason: fmt.Sprintf("unknown grain %q", intent.Grain)}}
	}

	hasTime := false
	for _, id := range intent.Dimensions {
		dim, ok := v.contract.Dimension(id)
		if !ok || !dim.IsTime() {
			continue
		}
		hasTime = true
		if dim.SupportsGrain(intent.Grain) {
			return nil
		}
	}

	if !hasTime {
		return []Violation{{Field: "time_grain", Reason: "grain set but no time dimension requested"}}
	}
	return []Violation{{
		Field:  "time_grain",
		Reason: fmt.Sprintf("no requested time dimension supports grain %q", intent.Grain),
	}}
}

func operatorAllowed(field semantic.FilterField, op string) bool {
	if len(field.Operators) == 0 {
		return semantic.ValidOperator(op)
	}
	for _, allowed := range field.Operators {
		if allowed == op {
			return true
		}
	}
	return false
}
