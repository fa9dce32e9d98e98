// Package events accumulates resource change events per transaction and
// publishes them when the transaction commits. Events are recorded by the
// resource-handling layer outside this module through Accumulator.Record.
package events

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-repository/pkg/identifier"
	"github.com/dd0wney/cluso-repository/pkg/kernel"
	"github.com/dd0wney/cluso-repository/pkg/logging"
	"github.com/dd0wney/cluso-repository/pkg/pubsub"
)

// Topic is the pubsub topic committed events are published to.
const Topic = "resource-events"

// Type is the kind of change an event reports.
type Type string

const (
	ResourceCreation     Type = "create"
	ResourceModification Type = "update"
	ResourceDeletion     Type = "delete"
	ResourcePurge        Type = "purge"
	ResourceRelocation   Type = "move"
)

// Event describes every change made to one resource by one transaction.
type Event struct {
	ID            string
	TxID          string
	ResourceID    identifier.ResourceID
	Types         []Type
	ResourceTypes []string
	BaseURI       string
	UserAgent     string
	Timestamp     time.Time
}

// pending collects the changes to one resource before emission.
type pending struct {
	resource      identifier.ResourceID
	types         []Type
	resourceTypes []string
}

// Accumulator buffers events per transaction. Changes to the same resource
// within a transaction are merged into a single event.
type Accumulator struct {
	mu      sync.Mutex
	buffers map[string][]*pending

	broker *pubsub.Broker[Event]
	now    func() time.Time
	logger logging.Logger
}

var _ kernel.EventAccumulator = (*Accumulator)(nil)

func NewAccumulator(broker *pubsub.Broker[Event], logger logging.Logger) *Accumulator {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Accumulator{
		buffers: make(map[string][]*pending),
		broker:  broker,
		now:     time.Now,
		logger:  logger.With(logging.Component("events")),
	}
}

// Record adds a change of kind typ to resource in the buffer of tx.
func (a *Accumulator) Record(tx kernel.Tx, resource identifier.ResourceID, typ Type, resourceTypes ...string) {
	txID := kernel.TxID(tx)
	if txID == "" {
		return
	}
	base := resource.Base()

	a.mu.Lock()
	defer a.mu.Unlock()
	buf := a.buffers[txID]
	idx := slices.IndexFunc(buf, func(p *pending) bool { return p.resource == base })
	if idx < 0 {
		buf = append(buf, &pending{resource: base})
		a.buffers[txID] = buf
		idx = len(buf) - 1
	}
	p := buf[idx]
	if !slices.Contains(p.types, typ) {
		p.types = append(p.types, typ)
	}
	for _, rt := range resourceTypes {
		if !slices.Contains(p.resourceTypes, rt) {
			p.resourceTypes = append(p.resourceTypes, rt)
		}
	}
}

// Pending returns the number of resources with buffered changes in tx.
func (a *Accumulator) Pending(tx kernel.Tx) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers[kernel.TxID(tx)])
}

// EmitEvents publishes the buffered events of tx in recording order and
// clears the buffer.
func (a *Accumulator) EmitEvents(ctx context.Context, tx kernel.Tx, baseURI, userAgent string) error {
	txID := kernel.TxID(tx)
	a.mu.Lock()
	buf := a.buffers[txID]
	delete(a.buffers, txID)
	a.mu.Unlock()

	if len(buf) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ts := a.now().UTC()
	delivered := 0
	for _, p := range buf {
		delivered += a.broker.Publish(Topic, Event{
			ID:            "urn:uuid:" + uuid.NewString(),
			TxID:          txID,
			ResourceID:    p.resource,
			Types:         p.types,
			ResourceTypes: p.resourceTypes,
			BaseURI:       baseURI,
			UserAgent:     userAgent,
			Timestamp:     ts,
		})
	}
	a.logger.Debug("events emitted",
		logging.TxID(txID),
		logging.Count(len(buf)),
		logging.Int("deliveries", delivered))
	return nil
}

func (a *Accumulator) ClearEvents(_ context.Context, tx kernel.Tx) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buffers, kernel.TxID(tx))
}
