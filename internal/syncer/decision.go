package syncer

import (
	"context"
)

// DecideFunc picks a strategy for a parked conflict, typically by asking a
// person.
type DecideFunc func(ctx context.Context, c Conflict) (Strategy, error)

type decisionRequest struct {
	conflict   Conflict
	responseCh chan decision
}

type decision struct {
	strategy Strategy
	err      error
}

// DecisionChannel serializes manual conflict decisions onto one handler
// goroutine so a prompt never sees two conflicts at once.
type DecisionChannel struct {
	requestCh chan decisionRequest
	decide    DecideFunc
	done      chan struct{}
}

// NewDecisionChannel creates a decision channel with the given buffer size.
func NewDecisionChannel(bufferSize int, decide DecideFunc) *DecisionChannel {
	return &DecisionChannel{
		requestCh: make(chan decisionRequest, bufferSize),
		decide:    decide,
		done:      make(chan struct{}),
	}
}

// Start launches the handler goroutine. It runs until ctx is cancelled.
func (dc *DecisionChannel) Start(ctx context.Context) {
	go dc.handle(ctx)
}

func (dc *DecisionChannel) handle(ctx context.Context) {
	defer close(dc.done)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-dc.requestCh:
			strategy, err := dc.decide(ctx, req.conflict)
			if ctx.Err() != nil {
				req.responseCh <- decision{err: ctx.Err()}
				return
			}
			req.responseCh <- decision{strategy: strategy, err: err}
		}
	}
}

// Ask submits a conflict and waits for the decision.
func (dc *DecisionChannel) Ask(ctx context.Context, c Conflict) (Strategy, error) {
	responseCh := make(chan decision, 1)

	select {
	case dc.requestCh <- decisionRequest{conflict: c, responseCh: responseCh}:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-dc.done:
		return "", context.Canceled
	}

	select {
	case d := <-responseCh:
		return d.strategy, d.err
	case <-dc.done:
		// The handler answers before exiting, if it answers at all
		select {
		case d := <-responseCh:
			return d.strategy, d.err
		default:
			return "", context.Canceled
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stop blocks until the handler goroutine has exited.
func (dc *DecisionChannel) Stop() {
	<-dc.done
}
