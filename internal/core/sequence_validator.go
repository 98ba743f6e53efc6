package core

import (
	"github.com/pkg/errors"
)

var (
	ErrSequenceGap = errors.New("sequence gap")
	ErrOutOfOrder  = errors.New("out-of-order event")
)

// SequenceValidator checks that matching-engine events arrive in queue
// sequence per market partition.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type SequenceValidator struct {
	expectedNextSeq map[string]uint64 // partition -> next expected sequence
	gaps            map[string]int64
	outOfOrder      map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]uint64),
		gaps:            make(map[string]int64),
		outOfOrder:      make(map[string]int64),
	}
}

// ValidateSequence checks source sequence ordering. A stale sequence is fine
// for a known duplicate; anything else off by one is rejected.
func (sv *SequenceValidator) ValidateSequence(partition string, seq uint64, isDuplicate bool) error {
	expected := sv.expectedNextSeq[partition]

	if seq < expected {
		if isDuplicate {
			return nil
		}
		sv.outOfOrder[partition]++
		return errors.Wrapf(ErrOutOfOrder, "partition=%s, expected=%d, got=%d", partition, expected, seq)
	}

	if seq == expected {
		return nil
	}

	sv.gaps[partition]++
	return errors.Wrapf(ErrSequenceGap, "partition=%s, expected=%d, got=%d", partition, expected, seq)
}

// Advance records seq as applied. Called only after the call commits.
func (sv *SequenceValidator) Advance(partition string, seq uint64) {
	sv.expectedNextSeq[partition] = seq + 1
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) uint64 {
	return sv.expectedNextSeq[partition]
}

// Known reports whether the partition has been initialized.
func (sv *SequenceValidator) Known(partition string) bool {
	_, ok := sv.expectedNextSeq[partition]
	return ok
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq uint64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions returns a copy of every partition's next sequence.
func (sv *SequenceValidator) GetAllPartitions() map[string]uint64 {
	out := make(map[string]uint64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

func (sv *SequenceValidator) GetGaps(partition string) int64 {
	return sv.gaps[partition]
}

func (sv *SequenceValidator) GetOutOfOrder(partition string) int64 {
	return sv.outOfOrder[partition]
}
