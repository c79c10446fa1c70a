package pipeline

import (
	"context"
	"log/slog"
)

// runGate is the generate-validate-retry loop every stage goes through.
// generate receives the prior attempt's invalid verdict as corrective
// feedback (nil on the first attempt); validate judges the artifact.
// Attempts are strictly sequential because each retry depends on the
// previous verdict. The last artifact is returned with its verdict even
// when invalid; a generation error aborts the gate immediately.
func runGate[T any](
	ctx context.Context,
	log *slog.Logger,
	stage string,
	maxAttempts int,
	generate func(ctx context.Context, feedback *Verdict) (T, error),
	validate func(T) Verdict,
) (T, Verdict, error) {
	var artifact T
	var verdict Verdict
	var feedback *Verdict

	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var err error
		artifact, err = generate(ctx, feedback)
		if err != nil {
			return artifact, Verdict{}, err
		}

		verdict = validate(artifact)
		if verdict.Valid {
			if attempt > 1 {
				log.Info("gate: retry succeeded", "stage", stage, "attempt", attempt)
			}
			return artifact, verdict, nil
		}

		log.Warn("gate: artifact rejected",
			"stage", stage,
			"attempt", attempt,
			"violations", verdict.Summary(),
		)
		feedback = &verdict
	}

	log.Warn("gate: attempts exhausted", "stage", stage, "attempts", maxAttempts)
	return artifact, verdict, nil
}
