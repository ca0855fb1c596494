// Package rebuild implements the three-phase PnL rebuild engine: metadata
// scan (Phase 1), concurrent event collection (Phase 2), and per-user
// parallel replay (Phase 3), plus the binary persistence format and the
// pure read-side replay query surface built on top of the resulting
// in-memory state.
package rebuild

import "fmt"

// MaxOutcomes bounds the fixed-width position/cost arrays carried by every
// ReplayState and Snapshot. Conditions with more outcomes are out of
// support; raising this constant enlarges every persisted Snapshot.
const MaxOutcomes = 8

// Scale is the fixed-point scale (P) used for prices and payout ratios
// throughout replay: six decimal digits of raw-unit precision.
const Scale = 1_000_000

// EventType enumerates the kinds of events Phase 2 collects and Phase 3
// replays.
type EventType uint8

const (
	Buy EventType = iota
	Sell
	Split
	Merge
	Redemption
)

func (t EventType) String() string {
	switch t {
	case Buy:
		return "Buy"
	case Sell:
		return "Sell"
	case Split:
		return "Split"
	case Merge:
		return "Merge"
	case Redemption:
		return "Redemption"
	default:
		return "Unknown"
	}
}

// AllOutcomesToken is the sentinel token_index for events that touch every
// outcome of a condition at once (Split, Merge, Redemption).
const AllOutcomesToken uint8 = 0xFF

// RawEvent is the record Phase 2 produces and Phase 3 consumes, one per
// (user, event) pair. Its event fields follow this 32-byte layout; the
// trailing seq field makes the in-memory struct 40 bytes:
//
//	timestamp   int64   8
//	condIndex   uint32  4
//	eventType   uint8   1
//	tokenIndex  uint8   1
//	_pad        uint16  2
//	amount      int64   8
//	price       int64   8
//	                   -- 32 bytes total
type RawEvent struct {
	Timestamp  int64
	CondIndex  uint32
	Type       EventType
	TokenIndex uint8
	_pad       uint16
	Amount     int64
	Price      int64
	// seq records collection order, used only as the deterministic
	// secondary sort key within equal timestamps (spec Open Question 1).
	// It is not part of the 32-byte layout above.
	seq uint64
}

// Snapshot is the 112-byte fixed-width record Phase 3 emits once per
// replayed event:
//
//	timestamp     int64    8
//	delta         int64    8
//	price         int64    8
//	positions     [8]int64 64
//	costBasis     int64    8
//	realizedPnl   int64    8
//	eventType     uint8    1
//	tokenIndex    uint8    1
//	outcomeCount  uint8    1
//	_pad          [5]byte  5
//	                      -- 112 bytes total
type Snapshot struct {
	Timestamp    int64
	Delta        int64
	Price        int64
	Positions    [MaxOutcomes]int64
	CostBasis    int64
	RealizedPnl  int64
	EventType    EventType
	TokenIndex   uint8
	OutcomeCount uint8
	_pad         [5]byte
}

// ConditionMeta is Phase 1's per-condition record.
type ConditionMeta struct {
	ID                string
	CondIndex         uint32
	OutcomeCount       uint8
	PayoutNumerators  []int64
	PayoutDenominator int64
}

// TokenRef locates one outcome token within the dense condition/outcome
// index space.
type TokenRef struct {
	CondIndex    uint32
	OutcomeIndex uint8
}

// ReplayState is the per-(user, condition) mutable accumulator Phase 3
// threads through a user's sorted event vector.
type ReplayState struct {
	Positions   [MaxOutcomes]int64
	Cost        [MaxOutcomes]int64
	RealizedPnl int64
}

// UserConditionHistory is the ordered snapshot chain for one user on one
// condition, produced by Phase 3 and consumed by the persistence layer and
// the replay query surface.
type UserConditionHistory struct {
	CondIndex uint32
	Snapshots []Snapshot
}

// UserState is one user's complete replayed history across every condition
// they touched.
type UserState struct {
	UserID     string
	UserIndex  uint32
	Histories  []UserConditionHistory
}

// ErrSchemaViolation marks a Phase 1 failure that must fail the whole
// rebuild fast, per spec §7.2.
type ErrSchemaViolation struct {
	ConditionID string
	Reason      string
}

func (e *ErrSchemaViolation) Error() string {
	return fmt.Sprintf("rebuild: condition %s: %s", e.ConditionID, e.Reason)
}
