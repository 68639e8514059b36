package trade

import (
	"context"
	"time"

	"github.com/isph/exchange-engine/internal/ledger"
)

// compensationTimeout bounds the rollback of one attempt. Rollback runs on a
// context detached from the caller so a cancelled request cannot strand a
// half-applied trade.
const compensationTimeout = 10 * time.Second

// undo is the pre-image of one node written by the current attempt.
type undo struct {
	path    string
	pre     []byte // nil: the node did not exist
	written int64  // version our write produced, 0 after a delete
}

// compensationLog records pre-images in write order and replays them newest
// first. Each compensating write is conditional on the version the engine
// itself produced, so a node changed by someone else is never overwritten.
type compensationLog struct {
	entries []undo
}

func (l *compensationLog) record(path string, pre []byte, written int64) {
	l.entries = append(l.entries, undo{path: path, pre: pre, written: written})
}

func (l *compensationLog) empty() bool { return len(l.entries) == 0 }

// rollback restores every recorded node. It keeps going after a failed
// compensating write so as few nodes as possible stay modified, and reports
// the first failure as a *CompensationError.
func (l *compensationLog) rollback(ctx context.Context, st ledger.Store, cause error) error {
	if l.empty() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	var failed *CompensationError
	for i := len(l.entries) - 1; i >= 0; i-- {
		u := l.entries[i]
		if _, err := st.ConditionalWrite(ctx, u.path, u.written, u.pre); err != nil {
			if failed == nil {
				failed = &CompensationError{Cause: cause, Path: u.path, Err: err}
			}
			failed.Pending = append(failed.Pending, u.path)
		}
	}
	l.entries = nil

	if failed != nil {
		return failed
	}
	return nil
}
