package session

import (
	"context"

	"github.com/pavelanni/photograder/internal/model"
)

// PendingStatus is the observable outcome of a grading run.
type PendingStatus string

const (
	PendingRunning   PendingStatus = "pending"
	PendingSucceeded PendingStatus = "succeeded"
	PendingFailed    PendingStatus = "failed"
)

// Pending tracks one in-flight grading run started by StartGrading.
type Pending struct {
	done   chan struct{}
	result model.GradingResult
	err    error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) finish(res model.GradingResult, err error) {
	p.result = res
	p.err = err
	close(p.done)
}

// Done is closed once the run has either succeeded or failed.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Status reports the outcome without blocking.
func (p *Pending) Status() PendingStatus {
	select {
	case <-p.done:
		if p.err != nil {
			return PendingFailed
		}
		return PendingSucceeded
	default:
		return PendingRunning
	}
}

// Wait blocks until the run finishes or ctx is done. A ctx expiry here only
// stops waiting; the run itself continues under the context it was started with.
func (p *Pending) Wait(ctx context.Context) (model.GradingResult, error) {
	select {
	case <-p.done:
		if p.err != nil {
			return model.GradingResult{}, p.err
		}
		return p.result.Clone(), nil
	case <-ctx.Done():
		return model.GradingResult{}, ctx.Err()
	}
}
