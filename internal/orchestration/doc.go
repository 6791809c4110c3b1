// Package orchestration coordinates the entries of a Batch or Transaction
// bundle.
//
// Each bundle becomes an Operation registered with an Orchestrator and
// expecting a fixed number of participants, one per entry. Participants
// prepare independently and Submit their result. The participant whose
// arrival meets the barrier resolves the operation: a Batch completes with
// each entry's own result, while a Transaction issues exactly one commit to
// the storage.Committer holding every staged write. A fatal entry aborts a
// Transaction before any commit, and cancellation or the operation deadline
// releases every waiter.
package orchestration
