package containment

import (
	"fmt"
	"time"
)

// opKind is the kind of a pending overlay entry.
type opKind uint8

const (
	opAdd opKind = iota + 1
	opRemove
	opPurge
)

func (k opKind) String() string {
	switch k {
	case opAdd:
		return "add"
	case opRemove:
		return "remove"
	case opPurge:
		return "purge"
	default:
		return "unknown"
	}
}

func parseOpKind(s string) (opKind, error) {
	switch s {
	case "add":
		return opAdd, nil
	case "remove":
		return opRemove, nil
	case "purge":
		return opPurge, nil
	}
	return 0, fmt.Errorf("unknown containment operation %q", s)
}

// pending is the single overlay entry a transaction holds for a child.
type pending struct {
	op     opKind
	parent string
	child  string
	// start and end are explicit validity times; zero start means the
	// commit instant and zero end means open-ended.
	start    time.Time
	end      time.Time
	recorded time.Time
	seq      int64
}

// opensEdge reports whether the entry makes child an active child of parent.
func (p *pending) opensEdge() bool {
	return p.op == opAdd && p.end.IsZero()
}

// hides reports whether the entry makes the active committed edge
// (parent, child) invisible to its transaction.
func (p *pending) hides(parent string) bool {
	if p == nil {
		return false
	}
	switch p.op {
	case opPurge:
		return true
	case opRemove:
		return p.parent == parent
	case opAdd:
		return p.end.IsZero() && p.parent != parent
	}
	return false
}

// baselineFacts is the committed state of one child that overlay planning
// depends on.
type baselineFacts struct {
	// activeParent is the parent of the child's active edge, if any.
	activeParent string
	// latestParent is the parent on the child's most recent row, active or not.
	latestParent string
}

// plan is the overlay change for one write: put replaces the entry, drop
// deletes it, and neither leaves the overlay untouched.
type plan struct {
	put  *pending
	drop bool
}

var noChange = plan{}

func planAdd(parent, child string, start, end, now time.Time, facts baselineFacts) plan {
	if start.IsZero() && end.IsZero() && facts.activeParent == parent {
		// The edge is already active and committed; any pending change
		// to the child is cancelled.
		return plan{drop: true}
	}
	return plan{put: &pending{
		op:       opAdd,
		parent:   parent,
		child:    child,
		start:    start,
		end:      end,
		recorded: now,
	}}
}

func planRemove(cur *pending, parent, child string, now time.Time, facts baselineFacts) plan {
	removal := &pending{op: opRemove, parent: parent, child: child, recorded: now}
	if cur == nil {
		if facts.activeParent == parent {
			return plan{put: removal}
		}
		return noChange
	}
	if cur.op != opAdd || cur.parent != parent {
		return noChange
	}
	if facts.activeParent == parent {
		return plan{put: removal}
	}
	return plan{drop: true}
}

func planRemoveResource(cur *pending, child string, now time.Time, facts baselineFacts) plan {
	var removal *pending
	if facts.activeParent != "" {
		removal = &pending{op: opRemove, parent: facts.activeParent, child: child, recorded: now}
	}
	switch {
	case cur == nil && removal != nil:
		return plan{put: removal}
	case cur == nil:
		return noChange
	case cur.op != opAdd:
		return noChange
	case removal != nil:
		return plan{put: removal}
	default:
		return plan{drop: true}
	}
}

func planPurge(cur *pending, child string, now time.Time, facts baselineFacts) plan {
	if facts.latestParent == "" {
		if cur != nil {
			return plan{drop: true}
		}
		return noChange
	}
	return plan{put: &pending{op: opPurge, parent: facts.latestParent, child: child, recorded: now}}
}
