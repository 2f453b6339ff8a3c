// Package remoteexec answers the server's remote execution commands (rsMSG, bdMSG)
// with result envelopes. What a payload means is up to the Evaluator registered for
// the command.
package remoteexec

import (
	"context"
	"errors"
)

var ErrDisabled = errors.New("remote execution disabled")

type Evaluator interface {
	Evaluate(ctx context.Context, code string) (Result, error)
}

type EvaluatorFunc func(ctx context.Context, code string) (Result, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, code string) (Result, error) {
	return f(ctx, code)
}

// Disabled rejects every payload.
type Disabled struct{}

func (Disabled) Evaluate(context.Context, string) (Result, error) {
	return Result{}, ErrDisabled
}
