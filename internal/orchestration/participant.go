package orchestration

import "context"

// Participant is the handle one bundle entry uses to take part in its
// operation.
type Participant struct {
	op  *Operation
	key int
}

// Participant returns the handle for entry key.
func (op *Operation) Participant(key int) *Participant {
	return &Participant{op: op, key: key}
}

// Key returns the entry's position in the bundle.
func (p *Participant) Key() int { return p.key }

// Operation returns the operation the participant belongs to.
func (p *Participant) Operation() *Operation { return p.op }

// Submit hands the prepared result to the operation and waits for the
// entry's outcome.
func (p *Participant) Submit(ctx context.Context, prepared Prepared) (Outcome, error) {
	return p.op.Submit(ctx, p.key, prepared)
}
