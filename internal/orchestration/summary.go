package orchestration

import "fmt"

// Summary is the aggregate result reported for a bundle.
type Summary struct {
	LoadedCount int      `json:"loadedCount"`
	FailedCount int      `json:"failedCount"`
	Errors      []string `json:"errors"`
}

// Add folds another summary into s.
func (s *Summary) Add(other Summary) {
	s.LoadedCount += other.LoadedCount
	s.FailedCount += other.FailedCount
	s.Errors = append(s.Errors, other.Errors...)
}

// Summarize counts the outcomes of a resolved operation. Entries that never
// arrived at a terminal operation are counted as failed, so every declared
// participant is accounted for exactly once.
func Summarize(op *Operation) Summary {
	op.mu.Lock()
	defer op.mu.Unlock()

	s := Summary{Errors: []string{}}
	for _, o := range op.sortedOutcomesLocked() {
		if o.OK() {
			s.LoadedCount++
			continue
		}
		s.FailedCount++
		s.Errors = append(s.Errors, fmt.Sprintf("entry %d: %s", o.Key, errText(o.Err, o.Status)))
	}

	if op.state.IsTerminal() && op.state != Completed {
		for missing := op.expected - len(op.arrived); missing > 0; missing-- {
			s.FailedCount++
			s.Errors = append(s.Errors, fmt.Sprintf("entry never arrived: %s", errText(op.err, StatusCanceled)))
		}
	}
	return s
}

func errText(err error, status OutcomeStatus) string {
	if err == nil {
		return status.String()
	}
	return err.Error()
}
