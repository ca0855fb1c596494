package rebuild

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/typhfeng/poly-pnl/store"
)

// Progress exposes the live counters Phase 2 updates as it scans, read by
// the status API (§4.9 "progress counters... visible to the status API").
type Progress struct {
	EOFRows        atomic.Int64
	EOFEvents      atomic.Int64
	ForeignSkipped atomic.Int64
	OrdersRows     atomic.Int64
	StakeholderRows atomic.Int64
	RedemptionRows  atomic.Int64
}

// userBucket accumulates one scan's events for one user, preserving the
// order in which events were appended.
type userBucket struct {
	order  []string
	events map[string][]RawEvent
}

func newUserBucket() *userBucket {
	return &userBucket{events: make(map[string][]RawEvent)}
}

func (b *userBucket) append(userID string, ev RawEvent) {
	if _, ok := b.events[userID]; !ok {
		b.order = append(b.order, userID)
	}
	b.events[userID] = append(b.events[userID], ev)
}

// CollectEvents runs Rebuild Phase 2: four concurrent ordered scans over
// orders, splits, merges, and redemptions, each on its own read
// connection, producing thread-local per-user event buckets that are then
// merged into a single dense user-index space.
func CollectEvents(ctx context.Context, st *store.Store, md *Metadata, progress *Progress) (userIDs []string, eventsByUser [][]RawEvent, err error) {
	if progress == nil {
		progress = &Progress{}
	}

	// Each scan numbers its events from its own counter, offset by the
	// scan's position in {orders, splits, merges, redemptions}, so the seq
	// order does not depend on how the concurrent scans interleave.
	var seqs [4]atomic.Uint64
	for i := range seqs {
		seqs[i].Store(uint64(i) << 56)
	}

	buckets := make([]*userBucket, 4)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b, err := scanOrders(gctx, st, md, progress, &seqs[0])
		buckets[0] = b
		return err
	})
	g.Go(func() error {
		b, err := scanStakeholderEvents(gctx, st, "split", Split, md, progress, &seqs[1])
		buckets[1] = b
		return err
	})
	g.Go(func() error {
		b, err := scanStakeholderEvents(gctx, st, "merge", Merge, md, progress, &seqs[2])
		buckets[2] = b
		return err
	})
	g.Go(func() error {
		b, err := scanRedemptions(gctx, st, md, progress, &seqs[3])
		buckets[3] = b
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return mergeBuckets(buckets)
}

// mergeBuckets merges the four scans' buckets into a dense user-index
// space, assigning indices in encounter order across the fixed scan
// sequence {orders, splits, merges, redemptions} for determinism.
func mergeBuckets(buckets []*userBucket) ([]string, [][]RawEvent, error) {
	var userIDs []string
	index := make(map[string]int)
	var events [][]RawEvent

	for _, b := range buckets {
		if b == nil {
			continue
		}
		for _, userID := range b.order {
			idx, ok := index[userID]
			if !ok {
				idx = len(userIDs)
				index[userID] = idx
				userIDs = append(userIDs, userID)
				events = append(events, nil)
			}
			events[idx] = append(events[idx], b.events[userID]...)
		}
	}
	return userIDs, events, nil
}

func scanOrders(ctx context.Context, st *store.Store, md *Metadata, progress *Progress, seq *atomic.Uint64) (*userBucket, error) {
	b := newUserBucket()
	var mu sync.Mutex

	err := st.ChunkScan(ctx, `SELECT timestamp, maker, taker, market, side, size, price FROM enriched_order_filled`, func(c store.Chunk) error {
		mu.Lock()
		defer mu.Unlock()
		for i := 0; i < c.Len; i++ {
			row := c.Row(i)
			progress.EOFRows.Add(1)

			market, _ := row["market"].(string)
			ref, ok := md.TokenMap[market]
			if !ok {
				progress.ForeignSkipped.Add(1)
				continue
			}

			ts, err := asInt64(row["timestamp"])
			if err != nil {
				return fmt.Errorf("rebuild: order timestamp: %w", err)
			}
			amount, err := parseAmount(row["size"])
			if err != nil {
				return fmt.Errorf("rebuild: order size: %w", err)
			}
			price, err := parsePrice(row["price"])
			if err != nil {
				return fmt.Errorf("rebuild: order price: %w", err)
			}
			side, _ := row["side"].(string)
			maker, _ := row["maker"].(string)
			taker, _ := row["taker"].(string)

			takerType := Buy
			makerType := Sell
			if side != "Buy" {
				takerType = Sell
				makerType = Buy
			}

			mkEvent := func(t EventType) RawEvent {
				return RawEvent{
					Timestamp:  ts,
					CondIndex:  ref.CondIndex,
					Type:       t,
					TokenIndex: ref.OutcomeIndex,
					Amount:     amount,
					Price:      price,
					seq:        seq.Add(1),
				}
			}

			b.append(taker, mkEvent(takerType))
			b.append(maker, mkEvent(makerType))
			progress.EOFEvents.Add(2)
			progress.OrdersRows.Add(1)
		}
		return nil
	})
	return b, err
}

func scanStakeholderEvents(ctx context.Context, st *store.Store, table string, evType EventType, md *Metadata, progress *Progress, seq *atomic.Uint64) (*userBucket, error) {
	b := newUserBucket()
	var mu sync.Mutex

	query := fmt.Sprintf(`SELECT timestamp, stakeholder, condition, amount FROM %s`, table)
	err := st.ChunkScan(ctx, query, func(c store.Chunk) error {
		mu.Lock()
		defer mu.Unlock()
		for i := 0; i < c.Len; i++ {
			row := c.Row(i)
			progress.EOFRows.Add(1)

			condID, _ := row["condition"].(string)
			condIndex, ok := md.CondIndexOf(condID)
			if !ok {
				progress.ForeignSkipped.Add(1)
				continue
			}

			ts, err := asInt64(row["timestamp"])
			if err != nil {
				return fmt.Errorf("rebuild: %s timestamp: %w", table, err)
			}
			amount, err := parseAmount(row["amount"])
			if err != nil {
				return fmt.Errorf("rebuild: %s amount: %w", table, err)
			}
			stakeholder, _ := row["stakeholder"].(string)

			b.append(stakeholder, RawEvent{
				Timestamp:  ts,
				CondIndex:  condIndex,
				Type:       evType,
				TokenIndex: AllOutcomesToken,
				Amount:     amount,
				Price:      0,
				seq:        seq.Add(1),
			})
			progress.EOFEvents.Add(1)
			progress.StakeholderRows.Add(1)
		}
		return nil
	})
	return b, err
}

func scanRedemptions(ctx context.Context, st *store.Store, md *Metadata, progress *Progress, seq *atomic.Uint64) (*userBucket, error) {
	b := newUserBucket()
	var mu sync.Mutex

	err := st.ChunkScan(ctx, `SELECT timestamp, redeemer, condition, payout FROM redemption`, func(c store.Chunk) error {
		mu.Lock()
		defer mu.Unlock()
		for i := 0; i < c.Len; i++ {
			row := c.Row(i)
			progress.EOFRows.Add(1)

			condID, _ := row["condition"].(string)
			condIndex, ok := md.CondIndexOf(condID)
			if !ok {
				progress.ForeignSkipped.Add(1)
				continue
			}

			ts, err := asInt64(row["timestamp"])
			if err != nil {
				return fmt.Errorf("rebuild: redemption timestamp: %w", err)
			}
			payout, err := parseAmount(row["payout"])
			if err != nil {
				return fmt.Errorf("rebuild: redemption payout: %w", err)
			}
			redeemer, _ := row["redeemer"].(string)

			b.append(redeemer, RawEvent{
				Timestamp:  ts,
				CondIndex:  condIndex,
				Type:       Redemption,
				TokenIndex: AllOutcomesToken,
				Amount:     payout,
				Price:      0,
				seq:        seq.Add(1),
			})
			progress.EOFEvents.Add(1)
			progress.RedemptionRows.Add(1)
		}
		return nil
	})
	return b, err
}

func asInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int32:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected timestamp type %T", v)
	}
}

// parseAmount parses a raw-unit integer amount directly from its textual
// column, never through an intermediate float, per spec §4.9.
func parseAmount(v any) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected amount type %T", v)
	}
	return strconv.ParseInt(s, 10, 64)
}

// parsePrice rounds a decimal price to the fixed-point scale, per
// spec §4.9: price = round(price × 10⁶).
func parsePrice(v any) (int64, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("unexpected price type %T", v)
	}
	return int64(math.Round(f * Scale)), nil
}
