// Package containment maintains the parent/child containment relation of
// the repository.
//
// Every edge carries a validity interval. Removing a child end-dates its
// edge so historical (memento) queries can still see it; purging erases
// the child's rows entirely. Changes made inside a transaction are held
// in a per-transaction overlay that is visible only to that transaction
// until CommitTransaction folds it into the committed baseline.
package containment

import (
	"context"
	"time"

	"github.com/dd0wney/cluso-repository/pkg/identifier"
	"github.com/dd0wney/cluso-repository/pkg/kernel"
)

// DefaultContainsLimit is the page size used to enumerate children.
const DefaultContainsLimit = 50000

// Index is the containment index. A nil kernel.Tx reads the committed view;
// writes require a transaction.
type Index interface {
	// AddContainedBy records that child is contained by parent, starting at
	// the commit instant.
	AddContainedBy(ctx context.Context, tx kernel.Tx, parent, child identifier.ResourceID) error
	// AddContainedByAt records an edge with explicit validity times. A zero
	// start means the commit instant; a zero end leaves the edge active.
	AddContainedByAt(ctx context.Context, tx kernel.Tx, parent, child identifier.ResourceID, start, end time.Time) error
	RemoveContainedBy(ctx context.Context, tx kernel.Tx, parent, child identifier.ResourceID) error
	// RemoveResource end-dates the edge from id's current parent.
	RemoveResource(ctx context.Context, tx kernel.Tx, id identifier.ResourceID) error
	// PurgeResource erases every edge in which id is the child.
	PurgeResource(ctx context.Context, tx kernel.Tx, id identifier.ResourceID) error

	// GetContains lists the children of parent. For a memento identifier
	// the children active at the memento instant are listed and tx is ignored.
	GetContains(ctx context.Context, tx kernel.Tx, parent identifier.ResourceID) *Sequence
	// GetContainsDeleted lists children whose edge to parent is end-dated.
	GetContainsDeleted(ctx context.Context, tx kernel.Tx, parent identifier.ResourceID) *Sequence
	// GetContainedBy returns the parent of child, resolving through
	// end-dated edges, or "" when child is unknown.
	GetContainedBy(ctx context.Context, tx kernel.Tx, child identifier.ResourceID) (string, error)
	// GetContainerIDByPath returns the parent of id or, when id has none, the
	// nearest existing path ancestor. Falls back to the repository root.
	GetContainerIDByPath(ctx context.Context, tx kernel.Tx, id identifier.ResourceID, checkDeleted bool) (identifier.ResourceID, error)
	ResourceExists(ctx context.Context, tx kernel.Tx, id identifier.ResourceID, includeDeleted bool) (bool, error)
	// HasResourcesStartingWith reports whether any identifier lies beneath id.
	HasResourcesStartingWith(ctx context.Context, tx kernel.Tx, id identifier.ResourceID) (bool, error)
	// ContainmentLastUpdated returns when id's set of children last changed,
	// or the zero time if it never did.
	ContainmentLastUpdated(ctx context.Context, tx kernel.Tx, id identifier.ResourceID) (time.Time, error)

	kernel.Participant

	// Reset drops all committed and pending state.
	Reset(ctx context.Context) error
	// ClearAllTransactions discards every pending overlay.
	ClearAllTransactions(ctx context.Context) error
	SetContainsLimit(n int)
}

// Operation names used for metrics and logs.
const (
	opAddContainedBy       = "add_contained_by"
	opRemoveContainedBy    = "remove_contained_by"
	opRemoveResource       = "remove_resource"
	opPurgeResource        = "purge_resource"
	opGetContains          = "get_contains"
	opGetContainsDeleted   = "get_contains_deleted"
	opGetContainedBy       = "get_contained_by"
	opResourceExists       = "resource_exists"
	opHasResourcesStarting = "has_resources_starting_with"
	opLastUpdated          = "containment_last_updated"
	opCommit               = "commit"
	opRollback             = "rollback"
	opReset                = "reset"
	opClearAllTransactions = "clear_all_transactions"
	opGetContainerIDByPath = "get_container_id_by_path"
)

// containerByPath implements GetContainerIDByPath on top of the other
// index operations so both backends share it.
func containerByPath(ctx context.Context, idx Index, tx kernel.Tx, id identifier.ResourceID, checkDeleted bool) (identifier.ResourceID, error) {
	if id.IsRepositoryRoot() {
		return identifier.Root(), nil
	}
	parent, err := idx.GetContainedBy(ctx, tx, id)
	if err != nil {
		return identifier.ResourceID{}, err
	}
	if parent != "" {
		return identifier.New(parent), nil
	}
	for _, ancestor := range id.Ancestors() {
		exists, err := idx.ResourceExists(ctx, tx, ancestor, checkDeleted)
		if err != nil {
			return identifier.ResourceID{}, err
		}
		if exists {
			return ancestor, nil
		}
	}
	return identifier.Root(), nil
}
