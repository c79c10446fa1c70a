package pipeline

import (
	"context"
	"fmt"
	"log/slog"
)

// SessionState is the lifecycle of a session batch.
type SessionState string

const (
	SessionIdle      SessionState = "idle"
	SessionRunning   SessionState = "running"
	SessionCompleted SessionState = "completed"
)

// Session owns one ordered batch of questions and the record of their
// passes. Passes run strictly sequentially: later questions may lean on
// earlier answers, so order is a correctness requirement. Only the session
// appends to the pass record, and only terminal passes are appended.
type Session struct {
	log       *slog.Logger
	pipeline  *Pipeline
	questions []Question
	passes    []Pass
	cursor    int
	state     SessionState
}

// NewSession creates a session over the given questions, in order.
func NewSession(log *slog.Logger, p *Pipeline, questions []string) (*Session, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("at least one question is required")
	}

	batch := make([]Question, len(questions))
	for i, text := range questions {
		batch[i] = Question{Text: text, Position: i}
	}

	return &Session{
		log:       log,
		pipeline:  p,
		questions: batch,
		passes:    make([]Pass, 0, len(batch)),
		state:     SessionIdle,
	}, nil
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState { return s.state }

// Passes returns a copy of the finalized pass record.
func (s *Session) Passes() []Pass {
	return append([]Pass(nil), s.passes...)
}

// Advance runs one pipeline pass for the question under the cursor and
// appends its finalized record. It returns the pass and true while there
// was a question to process; false once the session has completed. A failed
// pass never halts the batch, the cursor moves regardless.
func (s *Session) Advance(ctx context.Context) (Pass, bool) {
	switch s.state {
	case SessionCompleted:
		return Pass{}, false
	case SessionIdle:
		s.state = SessionRunning
		s.cursor = 0
		s.log.Info("session: started", "questions", len(s.questions))
	}

	if s.cursor >= len(s.questions) {
		s.complete()
		return Pass{}, false
	}

	question := s.questions[s.cursor]
	pass := s.pipeline.RunPass(ctx, question, s.passes)
	s.passes = append(s.passes, pass)
	s.cursor++

	if s.cursor >= len(s.questions) {
		s.complete()
	}
	return pass, true
}

// Run drives the session to completion and returns the full pass record.
func (s *Session) Run(ctx context.Context) []Pass {
	for {
		if _, ok := s.Advance(ctx); !ok {
			break
		}
	}
	return s.Passes()
}

func (s *Session) complete() {
	if s.state == SessionCompleted {
		return
	}
	s.state = SessionCompleted

	failed := 0
	for _, pass := range s.passes {
		if pass.Failed() {
			failed++
		}
	}
	s.log.Info("session: completed", "passes", len(s.passes), "failed", failed)
}
