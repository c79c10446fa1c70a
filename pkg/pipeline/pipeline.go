// Package pipeline turns natural-language analytical questions into
// validated queries, executed result sets and checked charts. Every stage is
// gated: an artifact only moves forward once its validator accepts it, and
// rejected artifacts are regenerated with the violations fed back as
// corrective context.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stratahq/strata/pkg/exec"
	"github.com/stratahq/strata/pkg/semantic"
)

// DefaultMaxAttempts bounds the generate-validate retry loop of each stage.
const DefaultMaxAttempts = 3

// Config holds the configuration for the pipeline.
type Config struct {
	Logger   *slog.Logger
	LLM      LLMClient
	Contract *semantic.Contract

	// Backend is the execution boundary. Direct or remote is a session-time
	// choice; the pipeline never knows which it got.
	Backend exec.Backend

	// Limits apply to every query the pipeline executes.
	Limits exec.Limits

	// MaxAttempts bounds each stage gate's retries (default 3).
	MaxAttempts int

	// ChartTolerance is the relative tolerance for chart point comparison.
	// Zero selects the default of 1e-6.
	ChartTolerance float64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.LLM == nil {
		return errors.New("llm client is required")
	}
	if cfg.Contract == nil {
		return errors.New("semantic contract is required")
	}
	if cfg.Backend == nil {
		return errors.New("execution backend is required")
	}
	if cfg.Limits.MaxRows <= 0 {
		return errors.New("max rows limit is required")
	}
	if cfg.Limits.Timeout <= 0 {
		return errors.New("timeout limit is required")
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxAttempts < 0 {
		return errors.New("max attempts must be positive")
	}
	return nil
}

// Pipeline runs one question at a time through parse, validate, generate,
// execute and chart stages.
type Pipeline struct {
	log *slog.Logger
	cfg Config

	intentParser    *IntentParser
	intentValidator *IntentValidator
	queryGenerator  *QueryGenerator
	queryValidator  *QueryValidator
	chartGenerator  *ChartGenerator
	chartValidator  *ChartValidator
}

// New creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Pipeline{
		log:             cfg.Logger,
		cfg:             cfg,
		intentParser:    NewIntentParser(cfg.Logger, cfg.LLM, cfg.Contract),
		intentValidator: NewIntentValidator(cfg.Contract),
		queryGenerator:  NewQueryGenerator(cfg.Logger, cfg.LLM, cfg.Contract),
		queryValidator:  NewQueryValidator(cfg.Contract),
		chartGenerator:  NewChartGenerator(cfg.Logger, cfg.LLM),
		chartValidator:  NewChartValidator(cfg.Logger, cfg.ChartTolerance),
	}, nil
}

// RunPass processes one question end to end and returns its finalized pass.
// history holds the session's already-completed passes; it is read, never
// written. A failure terminates the pass with a recorded reason and leaves
// the session free to move on.
func (p *Pipeline) RunPass(ctx context.Context, question Question, history []Pass) Pass {
	pass := Pass{Question: question, Status: PassPending}
	p.log.Info("pipeline: pass started", "position", question.Position, "question", question.Text)

	intent, intentVerdict, err := runGate(ctx, p.log, "intent", p.cfg.MaxAttempts,
		func(ctx context.Context, feedback *Verdict) (Intent, error) {
			return p.intentParser.Parse(ctx, question, history, feedback)
		},
		p.intentValidator.Validate,
	)
	if err != nil {
		return p.fail(pass, FailureGeneration, err.Error())
	}
	pass.Intent = &intent
	pass.IntentVerdict = &intentVerdict
	if !intentVerdict.Valid {
		return p.fail(pass, FailureValidation, "intent rejected: "+intentVerdict.Summary())
	}

	query, queryVerdict, err := runGate(ctx, p.log, "query", p.cfg.MaxAttempts,
		func(ctx context.Context, feedback *Verdict) (Query, error) {
			return p.queryGenerator.Generate(ctx, intent, feedback)
		},
		p.queryValidator.Validate,
	)
	if err != nil {
		return p.fail(pass, FailureGeneration, err.Error())
	}
	pass.Query = &query
	pass.QueryVerdict = &queryVerdict
	if !queryVerdict.Valid {
		return p.fail(pass, FailureValidation, "query rejected: "+queryVerdict.Summary())
	}

	if done, failed := p.execute(ctx, &pass, intent); !done {
		return failed
	}

	chart, chartVerdict, err := runGate(ctx, p.log, "chart", p.cfg.MaxAttempts,
		func(ctx context.Context, feedback *Verdict) (ChartSpec, error) {
			return p.chartGenerator.Generate(ctx, intent, pass.Result, feedback)
		},
		func(spec ChartSpec) Verdict {
			return p.chartValidator.Validate(spec, pass.Result, intent)
		},
	)
	if err != nil {
		return p.fail(pass, FailureGeneration, err.Error())
	}
	pass.Chart = &chart
	pass.ChartVerdict = &chartVerdict
	if !chartVerdict.Valid {
		return p.fail(pass, FailureValidation, "chart rejected: "+chartVerdict.Summary())
	}

	pass.Status = PassCompleted
	p.log.Info("pipeline: pass completed",
		"position", question.Position,
		"rows", pass.Result.RowCount,
		"truncated", pass.Result.Truncated,
		"chart", chart.Type,
	)
	return pass
}

// execute runs the validated query through the boundary. A warehouse-side
// SQL error gets the same treatment as a validator rejection: the query is
// regenerated with the error as feedback, bounded by the same attempt
// budget. Timeouts and unreachable backends fail the pass outright.
func (p *Pipeline) execute(ctx context.Context, pass *Pass, intent Intent) (done bool, failed Pass) {
	for attempt := 1; ; attempt++ {
		result, err := p.cfg.Backend.Execute(ctx, pass.Query.Text, p.cfg.Limits)
		if err == nil {
			pass.Result = result
			if result.Truncated {
				p.log.Warn("pipeline: result truncated at row cap",
					"position", pass.Question.Position, "rows", result.RowCount)
			}
			return true, Pass{}
		}

		var queryErr *exec.QueryError
		switch {
		case errors.Is(err, exec.ErrTimeout):
			return false, p.fail(*pass, FailureExecutionTimeout, err.Error())
		case errors.Is(err, exec.ErrUnavailable):
			return false, p.fail(*pass, FailureExecutionUnavailable, err.Error())
		case errors.Is(err, exec.ErrRejected):
			// The boundary's own re-check refused the statement.
			return false, p.fail(*pass, FailureValidation, err.Error())
		case errors.As(err, &queryErr):
			if attempt >= p.cfg.MaxAttempts {
				return false, p.fail(*pass, FailureValidation,
					fmt.Sprintf("query failed at the warehouse after %d attempts: %s", attempt, queryErr.Message))
			}
			if !p.repairQuery(ctx, pass, intent, queryErr) {
				return false, p.fail(*pass, FailureValidation,
					"query failed at the warehouse and could not be repaired: "+queryErr.Message)
			}
		default:
			return false, p.fail(*pass, FailureExecutionUnavailable, err.Error())
		}
	}
}

// repairQuery regenerates the query once with the warehouse error as
// feedback and revalidates it. Returns false when the repaired query is
// itself rejected or regeneration fails.
func (p *Pipeline) repairQuery(ctx context.Context, pass *Pass, intent Intent, queryErr *exec.QueryError) bool {
	p.log.Warn("pipeline: repairing failed query",
		"position", pass.Question.Position, "error", queryErr.Message)

	feedback := Invalid(Violation{Field: "sql", Reason: "the warehouse rejected the query: " + queryErr.Message})
	repaired, err := p.queryGenerator.Generate(ctx, intent, &feedback)
	if err != nil {
		return false
	}

	verdict := p.queryValidator.Validate(repaired)
	if !verdict.Valid {
		p.log.Warn("pipeline: repaired query rejected", "violations", verdict.Summary())
		return false
	}

	pass.Query = &repaired
	pass.QueryVerdict = &verdict
	return true
}

func (p *Pipeline) fail(pass Pass, kind FailureKind, reason string) Pass {
	pass.Status = PassFailed
	pass.FailureKind = kind
	pass.FailureReason = reason
	pass.Result = nilIfTimeout(kind, pass.Result)
	p.log.Warn("pipeline: pass failed",
		"position", pass.Question.Position,
		"kind", kind,
		"reason", reason,
	)
	return pass
}

// nilIfTimeout drops any result on a timeout. A timed-out pass never
// exposes partial data.
func nilIfTimeout(kind FailureKind, rs *exec.ResultSet) *exec.ResultSet {
	if kind == FailureExecutionTimeout {
		return nil
	}
	return rs
}
