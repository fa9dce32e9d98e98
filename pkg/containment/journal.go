package containment

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// commitRecord is the journaled form of one committed transaction. All
// times are resolved before the record is written so replay is
// deterministic.
type commitRecord struct {
	TxID string        `json:"tx"`
	At   time.Time     `json:"at"`
	Ops  []journaledOp `json:"ops"`
}

type journaledOp struct {
	Op     string    `json:"op"`
	Parent string    `json:"parent,omitempty"`
	Child  string    `json:"child"`
	Seq    int64     `json:"seq,omitempty"`
	Start  time.Time `json:"start,omitzero"`
	End    time.Time `json:"end,omitzero"`
}

// opOrder applies purges before removals before additions, so an addition
// is never undone by another entry of the same batch.
var opOrder = map[opKind]int{opPurge: 0, opRemove: 1, opAdd: 2}

// buildCommitRecord orders the pending entries of a transaction for
// application at instant at.
func buildCommitRecord(txID string, at time.Time, entries map[string]*pending) *commitRecord {
	list := make([]*pending, 0, len(entries))
	for _, pe := range entries {
		list = append(list, pe)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if opOrder[a.op] != opOrder[b.op] {
			return opOrder[a.op] < opOrder[b.op]
		}
		if a.seq != b.seq {
			return a.seq < b.seq
		}
		return a.child < b.child
	})

	rec := &commitRecord{TxID: txID, At: at, Ops: make([]journaledOp, 0, len(list))}
	for _, pe := range list {
		op := journaledOp{Op: pe.op.String(), Parent: pe.parent, Child: pe.child, Seq: pe.seq}
		if pe.op == opAdd {
			op.Start = pe.start
			if op.Start.IsZero() {
				op.Start = at
			}
			op.End = pe.end
		}
		rec.Ops = append(rec.Ops, op)
	}
	return rec
}

func (r *commitRecord) encode() ([]byte, error) {
	return json.Marshal(r)
}

func decodeCommitRecord(data []byte) (*commitRecord, error) {
	var rec commitRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode containment journal record: %w", err)
	}
	for _, op := range rec.Ops {
		if _, err := parseOpKind(op.Op); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}
