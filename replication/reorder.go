package replication

import (
	"github.com/pkg/errors"

	"github.com/kegdisplay/tapsync/changelog"
)

// orderBuffer re-sequences the entries of a single origin at the apply
// boundary. Sessions stream each origin in order, but the buffer makes the
// ordering guarantee independent of the transport's behavior: entries are
// released only as a contiguous run starting at the next expected sequence.
type orderBuffer struct {
	next    uint64
	pending map[uint64]changelog.Entry
	limit   int
}

const defaultReorderLimit = 10000

func newOrderBuffer(next uint64, limit int) *orderBuffer {
	if limit <= 0 {
		limit = defaultReorderLimit
	}
	return &orderBuffer{
		next:    next,
		pending: map[uint64]changelog.Entry{},
		limit:   limit,
	}
}

// Add accepts one entry and returns the contiguous run now ready to apply,
// in increasing sequence order. Entries below the expected sequence are
// dropped (already applied); duplicates overwrite harmlessly.
func (b *orderBuffer) Add(e changelog.Entry) ([]changelog.Entry, error) {
	if e.Sequence < b.next {
		return nil, nil
	}
	if len(b.pending) >= b.limit {
		return nil, errors.Errorf("reorder buffer overflow at %d pending entries", len(b.pending))
	}
	b.pending[e.Sequence] = e

	var run []changelog.Entry
	for {
		next, ok := b.pending[b.next]
		if !ok {
			break
		}
		delete(b.pending, b.next)
		run = append(run, next)
		b.next++
	}
	return run, nil
}

// Pending reports how many entries wait for a gap to fill.
func (b *orderBuffer) Pending() int {
	return len(b.pending)
}
