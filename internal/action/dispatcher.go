package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/ruleflow/internal/metrics"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// DefaultTimeout bounds a single action when none is configured.
const DefaultTimeout = 5 * time.Second

// Dispatcher runs a rule's ordered action list against the registered executors.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
}

// NewDispatcher creates a Dispatcher. Each action gets at most timeout to complete.
func NewDispatcher(reg *Registry, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{registry: reg, timeout: timeout}
}

// Dispatch executes specs in declared order and stops at the first failure.
// The returned outcomes cover every action that ran, including the failing
// one; later actions are not attempted. The error, if any, is an
// *rule.ActionError naming the failing index. Effects of earlier actions are
// not rolled back.
func (d *Dispatcher) Dispatch(ctx context.Context, specs []rule.ActionSpec, actx *Context) ([]rule.ActionOutcome, error) {
	outcomes := make([]rule.ActionOutcome, 0, len(specs))
	for i, spec := range specs {
		out, err := d.dispatchOne(ctx, i, spec, actx)
		outcomes = append(outcomes, out)

		status := "success"
		if err != nil {
			status = "error"
			if errors.Is(err, rule.ErrActionTimeout) {
				status = "timeout"
			}
		}
		metrics.ActionsExecuted.WithLabelValues(string(spec.Type), status).Inc()

		if err != nil {
			return outcomes, &rule.ActionError{Index: i, Type: spec.Type, Err: err}
		}
	}
	return outcomes, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, i int, spec rule.ActionSpec, actx *Context) (out rule.ActionOutcome, err error) {
	start := time.Now()
	out = rule.ActionOutcome{Index: i, Type: spec.Type, Parameters: spec.Parameters}
	defer func() {
		out.DurationMs = time.Since(start).Milliseconds()
		out.Success = err == nil
		if err != nil {
			out.Error = err.Error()
		}
	}()

	exec, err := d.registry.Get(spec.Type)
	if err != nil {
		return out, err
	}
	params, err := DecodeParams(spec, actx)
	if err != nil {
		return out, err
	}
	out.Parameters = params.Describe()

	eff, err := d.run(ctx, exec, params, actx)
	if err != nil {
		return out, err
	}
	if eff != nil {
		out.QueueID = eff.QueueID
		out.RecordID = eff.RecordID
		out.AffectedRows = eff.AffectedRows
	}
	return out, nil
}

// run executes one action under the dispatcher timeout. An executor that
// ignores cancellation is abandoned once the deadline passes.
func (d *Dispatcher) run(ctx context.Context, exec Executor, params Params, actx *Context) (*Effect, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type result struct {
		eff *Effect
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("executor panic: %v", p)}
			}
		}()
		eff, err := exec.Execute(ctx, params, actx)
		done <- result{eff: eff, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %v: %v", rule.ErrActionTimeout, d.timeout, r.err)
		}
		return r.eff, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %v", rule.ErrActionTimeout, d.timeout)
		}
		return nil, ctx.Err()
	}
}
