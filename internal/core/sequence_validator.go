package core

import (
	"fmt"
)

// SequenceValidator enforces gap-free ordering per upstream source.
// Only the core goroutine touches it.
type SequenceValidator struct {
	expectedNextSeq map[string]int64
	gaps            map[string]int64
	outOfOrder      map[string]int64
	priceGaps       map[int]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		gaps:            make(map[string]int64),
		outOfOrder:      make(map[string]int64),
		priceGaps:       make(map[int]int64),
	}
}

// ValidateSequence accepts exactly the next expected sequence of source.
// An older sequence is fine for a duplicate and an error otherwise; a newer
// one is a gap.
func (sv *SequenceValidator) ValidateSequence(source string, seq int64, isDuplicate bool) error {
	expected := sv.expectedNextSeq[source]
	switch {
	case seq == expected:
		sv.expectedNextSeq[source] = expected + 1
		return nil
	case seq < expected:
		if isDuplicate {
			return nil
		}
		sv.outOfOrder[source]++
		return fmt.Errorf("out-of-order instruction: source=%s, expected=%d, got=%d", source, expected, seq)
	default:
		sv.gaps[source]++
		return fmt.Errorf("sequence gap: source=%s, expected=%d, got=%d", source, expected, seq)
	}
}

// ValidatePriceSequence tolerates gaps in a token's price feed. It returns
// false for a stale sequence, which the caller skips.
func (sv *SequenceValidator) ValidatePriceSequence(token int, seq int64) bool {
	partition := fmt.Sprintf("price:%d", token)
	expected := sv.expectedNextSeq[partition]
	if seq < expected {
		return false
	}
	if seq > expected {
		sv.priceGaps[token]++
	}
	sv.expectedNextSeq[partition] = seq + 1
	return true
}

func (sv *SequenceValidator) Expected(source string) int64 {
	return sv.expectedNextSeq[source]
}

// Partitions returns a copy of the expected sequences for snapshots.
func (sv *SequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// RestorePartition sets the next expected sequence of a partition.
func (sv *SequenceValidator) RestorePartition(partition string, next int64) {
	sv.expectedNextSeq[partition] = next
}

func (sv *SequenceValidator) Gaps(source string) int64       { return sv.gaps[source] }
func (sv *SequenceValidator) OutOfOrder(source string) int64 { return sv.outOfOrder[source] }
func (sv *SequenceValidator) PriceGaps(token int) int64      { return sv.priceGaps[token] }
