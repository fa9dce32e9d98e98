// Package wal implements the append-only journal used to make the
// in-memory containment index durable.
package wal

// OpType represents the type of operation in the WAL
type OpType uint8

const (
	// OpContainmentCommit carries one committed batch of containment changes.
	OpContainmentCommit OpType = iota + 1
)

func (o OpType) String() string {
	switch o {
	case OpContainmentCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// Entry represents a single WAL entry. Data is always the decoded payload.
type Entry struct {
	LSN       uint64
	OpType    OpType
	Data      []byte
	Checksum  uint32
	Timestamp int64
}

// WriteAheadLog is the interface the containment index journals through.
type WriteAheadLog interface {
	// Append durably appends data and returns its log sequence number.
	Append(opType OpType, data []byte) (uint64, error)
	// Replay calls handler for every intact entry in append order.
	Replay(handler func(*Entry) error) error
	// Truncate discards every entry and restarts numbering at 1.
	Truncate() error
	Close() error
	CurrentLSN() uint64
}

// Stats reports payload volume written through a log.
type Stats struct {
	TotalWrites  uint64
	BytesPayload uint64
	BytesStored  uint64
}

// CompressionRatio returns the fraction of payload bytes saved by the codec.
func (s Stats) CompressionRatio() float64 {
	if s.BytesPayload == 0 {
		return 0
	}
	return 1.0 - float64(s.BytesStored)/float64(s.BytesPayload)
}

var _ WriteAheadLog = (*Log)(nil)
