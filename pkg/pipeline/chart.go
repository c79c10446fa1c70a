package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stratahq/strata/pkg/exec"
)

// ChartGenerator turns a result set and the intent behind it into a chart
// specification with a short narrative. Its arithmetic is never trusted;
// the chart validator recomputes every point from the result set.
type ChartGenerator struct {
	log *slog.Logger
	llm LLMClient
}

func NewChartGenerator(log *slog.Logger, llm LLMClient) *ChartGenerator {
	return &ChartGenerator{log: log, llm: llm}
}

func (g *ChartGenerator) Generate(ctx context.Context, intent Intent, rs *exec.ResultSet, feedback *Verdict) (ChartSpec, error) {
	intentJSON, err := json.Marshal(intent)
	if err != nil {
		return ChartSpec{}, fmt.Errorf("chart generation: marshal intent: %w", err)
	}

	var userPrompt strings.Builder
	userPrompt.WriteString("Intent:\n")
	userPrompt.Write(intentJSON)
	userPrompt.WriteString("\n\nQuery result:\n")
	userPrompt.WriteString(formatResultSet(rs))
	userPrompt.WriteString("\n")
	if fb := formatFeedback(feedback); fb != "" {
		userPrompt.WriteString("\n")
		userPrompt.WriteString(fb)
	}

	response, err := g.llm.Complete(ctx, chartSystemPrompt, userPrompt.String())
	if err != nil {
		return ChartSpec{}, fmt.Errorf("chart generation: %w", err)
	}

	jsonStr := extractJSON(response)
	if jsonStr == "" {
		return ChartSpec{}, fmt.Errorf("chart generation: %w: no JSON object in response", ErrGenerationUnavailable)
	}

	var spec ChartSpec
	if err := json.Unmarshal([]byte(jsonStr), &spec); err != nil {
		return ChartSpec{}, fmt.Errorf("chart generation: %w: malformed JSON: %v", ErrGenerationUnavailable, err)
	}

	g.log.Debug("chart: generated", "type", spec.Type, "series", len(spec.Series))
	return spec, nil
}
