package containment

import (
	"context"
	"iter"
)

// row is one enumerated child with the insertion sequence used as the
// paging cursor.
type row struct {
	seq int64
	id  string
}

// pageFunc returns up to limit rows with a sequence greater than after,
// ordered by sequence.
type pageFunc func(ctx context.Context, after int64, limit int) ([]row, error)

// Sequence is a lazy, restartable enumeration of child identifiers. Pages
// are fetched on demand, so a caller that stops early never loads the
// rest. Each call to All starts over from the first child and observes
// the index as it is at that time.
//
// A Sequence is bound to the transaction it was created with and must not
// be iterated from several goroutines at once.
type Sequence struct {
	ctx   context.Context
	fetch pageFunc
	limit int
	err   error
}

func newSequence(ctx context.Context, limit int, fetch pageFunc) *Sequence {
	if limit <= 0 {
		limit = DefaultContainsLimit
	}
	return &Sequence{ctx: ctx, fetch: fetch, limit: limit}
}

func failedSequence(err error) *Sequence {
	return &Sequence{
		ctx:   context.Background(),
		limit: 1,
		fetch: func(context.Context, int64, int) ([]row, error) { return nil, err },
	}
}

// All yields child identifiers in insertion order.
func (s *Sequence) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		s.err = nil
		var after int64
		for {
			if err := s.ctx.Err(); err != nil {
				s.err = err
				return
			}
			rows, err := s.fetch(s.ctx, after, s.limit)
			if err != nil {
				s.err = err
				return
			}
			for _, r := range rows {
				if !yield(r.id) {
					return
				}
				after = r.seq
			}
			if len(rows) < s.limit {
				return
			}
		}
	}
}

// Err returns the error that ended the last iteration, if any.
func (s *Sequence) Err() error {
	return s.err
}

// Collect drains the sequence into a slice.
func (s *Sequence) Collect() ([]string, error) {
	var out []string
	for id := range s.All() {
		out = append(out, id)
	}
	return out, s.Err()
}
