package core

import (
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/event"
	"CrossMargin/internal/instruction"
	"CrossMargin/internal/observability"
	"CrossMargin/internal/state"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultIdempotencyCapacity is the LRU size used when none is configured.
const DefaultIdempotencyCapacity = 1_000_000

// DeterministicCore applies instructions to a group one at a time. It owns
// the group: nothing else may touch it while the core runs.
type DeterministicCore struct {
	group             *state.Group
	sequence          int64
	hasher            *StateHasher
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one applied instruction: its envelope and the digest the
// state hash was computed over.
type CoreOutput struct {
	Envelope   *event.Envelope
	StateDelta []byte
}

// Options tunes NewDeterministicCore. Zero values pick defaults.
type Options struct {
	IdempotencyCapacity int
	DBChecker           DBIdempotencyChecker
	Metrics             *observability.Metrics
	Logger              *zerolog.Logger
}

func NewDeterministicCore(
	g *state.Group,
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	opts Options,
) *DeterministicCore {
	capacity := opts.IdempotencyCapacity
	if capacity <= 0 {
		capacity = DefaultIdempotencyCapacity
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &DeterministicCore{
		group:             g,
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		idempotency:       NewIdempotencyChecker(capacity, opts.DBChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           opts.Metrics,
		logger:            logger,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessInstruction runs the pipeline: header validation, deduplication,
// source ordering, dispatch inside a transaction, post-checks, hashing and
// emission. A duplicate returns nil without effects. Any handler or
// post-check error rolls the group back and is returned; nothing is
// emitted for it.
func (c *DeterministicCore) ProcessInstruction(ins instruction.Instruction) error {
	return c.process(ins, false)
}

// process is ProcessInstruction; replay skips deduplication against the log
// the instruction was read from and does not emit to the persist channel.
func (c *DeterministicCore) process(ins instruction.Instruction, replay bool) error {
	start := time.Now()
	h := instruction.HeaderOf(ins)
	kind := string(ins.Kind())

	if err := instruction.Validate(ins); err != nil {
		c.recordReject(kind, "invalid")
		return apperrors.Wrap(apperrors.CodeInvalidParam, err, "instruction header")
	}

	isDuplicate := !replay && c.idempotency.IsDuplicate(kind, h.IdempotencyKey)

	if h.Source != "" {
		if up, ok := ins.(*instruction.UpdatePrice); ok {
			if !c.sequenceValidator.ValidatePriceSequence(up.Token, h.SourceSequence) {
				c.recordReject(kind, "stale")
				return nil
			}
		} else if err := c.sequenceValidator.ValidateSequence(h.Source, h.SourceSequence, isDuplicate); err != nil {
			c.recordReject(kind, "sequence")
			return err
		}
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.IdempotencyDuplicates.WithLabelValues(kind, "core").Inc()
		}
		c.recordReject(kind, "duplicate")
		return nil
	}

	payload, err := instruction.Encode(ins)
	if err != nil {
		c.recordReject(kind, "encode")
		return fmt.Errorf("encode %s: %w", kind, err)
	}

	t := begin(c.group, h.Timestamp)
	records, err := c.dispatch(t, ins)
	if err == nil {
		var flagged []event.Record
		flagged, err = c.postCheck(t, ins)
		records = append(records, flagged...)
	}
	if err != nil {
		t.rollback()
		if c.metrics != nil {
			c.metrics.CoreRollbacks.WithLabelValues(kind).Inc()
		}
		c.recordReject(kind, string(apperrors.CodeOf(err)))
		l := observability.WithInstruction(c.logger, kind, h.IdempotencyKey)
		l.Debug().Err(err).Msg("instruction rejected")
		return err
	}

	if err := c.checkInvariants(t); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	hashStart := time.Now()
	digest, err := c.computeStateDigest(t)
	if err != nil {
		panic(fmt.Sprintf("FATAL: state digest: %v", err))
	}
	prevHash := c.hasher.Tip()
	stateHash := c.hasher.Extend(c.sequence, digest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.Envelope{
		Sequence:       c.sequence,
		IdempotencyKey: h.IdempotencyKey,
		Kind:           kind,
		Signer:         h.Signer,
		Timestamp:      h.Timestamp,
		Source:         h.Source,
		SourceSequence: h.SourceSequence,
		Payload:        payload,
		Records:        records,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output := CoreOutput{Envelope: envelope, StateDelta: digest}
	c.sequence++

	// Persistence blocks: the core stalls until the writer drains.
	if !replay {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}

	// Projections drop on full and catch up from the event log.
	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
		}
	}

	c.idempotency.MarkProcessed(kind, h.IdempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreInstructionsApplied.WithLabelValues(kind).Inc()
		c.metrics.CoreInstructionDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))
		c.observeState(t, records)
	}
	return nil
}

func (c *DeterministicCore) recordReject(kind, reason string) {
	if c.metrics != nil {
		c.metrics.CoreInstructionsRejected.WithLabelValues(kind, reason).Inc()
	}
}

// Replay applies an instruction read back from the event log. The envelope
// sequence must match the core's next sequence.
func (c *DeterministicCore) Replay(sequence int64, payload []byte) error {
	if sequence != c.sequence {
		return fmt.Errorf("replay sequence %d, core expects %d", sequence, c.sequence)
	}
	ins, err := instruction.Decode(payload)
	if err != nil {
		return err
	}
	if err := c.process(ins, true); err != nil {
		return fmt.Errorf("replay %d: %w", sequence, err)
	}
	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

// Group exposes the state for read-only use on the core goroutine, such as
// tests and snapshot creation.
func (c *DeterministicCore) Group() *state.Group { return c.group }

func (c *DeterministicCore) GetSequence() int64 { return c.sequence }

func (c *DeterministicCore) GetStateHash() [32]byte { return c.hasher.Tip() }

// WarmLRU loads recently applied composite keys into the idempotency LRU.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// SnapshotState is the full core state at Sequence. Group is serialized
// when the snapshot is created so it can leave the core goroutine.
type SnapshotState struct {
	Sequence        int64            `json:"sequence"`
	StateHash       [32]byte         `json:"state_hash"`
	Group           json.RawMessage  `json:"group"`
	SequenceState   map[string]int64 `json:"sequence_state"`
	IdempotencyKeys []string         `json:"idempotency_keys"`
}

// CreateSnapshotState captures the state after the last applied instruction.
func (c *DeterministicCore) CreateSnapshotState() (*SnapshotState, error) {
	group, err := json.Marshal(c.group)
	if err != nil {
		return nil, fmt.Errorf("marshal group: %w", err)
	}
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.Tip(),
		Group:           group,
		SequenceState:   c.sequenceValidator.Partitions(),
		IdempotencyKeys: c.idempotency.lru.Keys(),
	}, nil
}

// RestoreFromSnapshot replaces the core state with snap. Replay continues at
// snap.Sequence+1.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	var g state.Group
	if err := json.Unmarshal(snap.Group, &g); err != nil {
		return fmt.Errorf("unmarshal group: %w", err)
	}
	if g.Cache == nil || g.Accounts == nil {
		return errors.New("snapshot group is incomplete")
	}
	c.group = &g
	c.sequence = snap.Sequence + 1
	c.hasher.Reset(snap.StateHash)
	for partition, next := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, next)
	}
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}
