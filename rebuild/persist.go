package rebuild

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// magic and formatVersion identify the persisted rebuild file, per
// spec §4.11/§6.3. A version bump is an incompatible format change; the
// loader rejects any mismatch rather than guess at forward/backward
// compatibility.
const (
	magic          uint32 = 0x504e4c31 // "PNL1"
	formatVersion  uint32 = 1
)

// State is the frozen result of a completed rebuild: Phase 1's metadata
// plus every user's replayed history, exactly what Save/Load round-trip.
type State struct {
	Metadata *Metadata
	Users    []UserState
}

// Save writes State to path as a single linear binary stream: a header
// carrying the entry counts, then three sections (conditions, token map,
// users), per spec §4.11. All integers are little-endian fixed width,
// whatever the host's byte order.
func Save(st *State, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("rebuild: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	if err := binary.Write(w, binary.LittleEndian, magic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, formatVersion); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(st.Metadata.Conditions))); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(st.Metadata.TokenMap))); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(st.Users))); err != nil {
		return err
	}

	for _, cond := range st.Metadata.Conditions {
		if err := writeString(w, cond.ID); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, cond.OutcomeCount); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, cond.PayoutDenominator); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(cond.PayoutNumerators))); err != nil {
			return err
		}
		for _, n := range cond.PayoutNumerators {
			if err := binary.Write(w, binary.LittleEndian, n); err != nil {
				return err
			}
		}
	}

	for tokenID, ref := range st.Metadata.TokenMap {
		if err := writeString(w, tokenID); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, ref.CondIndex); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, ref.OutcomeIndex); err != nil {
			return err
		}
	}

	for _, user := range st.Users {
		if err := writeString(w, user.UserID); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(user.Histories))); err != nil {
			return err
		}
		for _, h := range user.Histories {
			if err := binary.Write(w, binary.LittleEndian, h.CondIndex); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint32(len(h.Snapshots))); err != nil {
				return err
			}
			for _, snap := range h.Snapshots {
				if err := writeSnapshot(w, snap); err != nil {
					return err
				}
			}
		}
	}

	return w.Flush()
}

// Load reads a rebuild file written by Save, rejecting any magic or
// version mismatch.
func Load(path string) (*State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rebuild: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var gotMagic, gotVersion uint32
	if err := binary.Read(r, binary.LittleEndian, &gotMagic); err != nil {
		return nil, fmt.Errorf("rebuild: read magic: %w", err)
	}
	if gotMagic != magic {
		return nil, fmt.Errorf("rebuild: bad magic %#x, want %#x", gotMagic, magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &gotVersion); err != nil {
		return nil, fmt.Errorf("rebuild: read version: %w", err)
	}
	if gotVersion != formatVersion {
		return nil, fmt.Errorf("rebuild: unsupported version %d, want %d", gotVersion, formatVersion)
	}

	var condCount, tokenCount, userCount uint32
	if err := binary.Read(r, binary.LittleEndian, &condCount); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &tokenCount); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &userCount); err != nil {
		return nil, err
	}

	md := &Metadata{
		TokenMap:  make(map[string]TokenRef, tokenCount),
		condIndex: make(map[string]uint32, condCount),
	}
	for i := uint32(0); i < condCount; i++ {
		id, err := readString(r)
		if err != nil {
			return nil, err
		}
		var outcomeCount uint8
		var payoutDenom int64
		var numCount uint32
		if err := binary.Read(r, binary.LittleEndian, &outcomeCount); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &payoutDenom); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &numCount); err != nil {
			return nil, err
		}
		numerators := make([]int64, numCount)
		for j := range numerators {
			if err := binary.Read(r, binary.LittleEndian, &numerators[j]); err != nil {
				return nil, err
			}
		}
		cond := ConditionMeta{
			ID:                id,
			CondIndex:         i,
			OutcomeCount:      outcomeCount,
			PayoutNumerators:  numerators,
			PayoutDenominator: payoutDenom,
		}
		md.Conditions = append(md.Conditions, cond)
		md.CondIDs = append(md.CondIDs, id)
		md.condIndex[id] = i
	}

	for i := uint32(0); i < tokenCount; i++ {
		tokenID, err := readString(r)
		if err != nil {
			return nil, err
		}
		var ref TokenRef
		if err := binary.Read(r, binary.LittleEndian, &ref.CondIndex); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &ref.OutcomeIndex); err != nil {
			return nil, err
		}
		md.TokenMap[tokenID] = ref
	}

	users := make([]UserState, userCount)
	for i := uint32(0); i < userCount; i++ {
		userID, err := readString(r)
		if err != nil {
			return nil, err
		}
		var histCount uint32
		if err := binary.Read(r, binary.LittleEndian, &histCount); err != nil {
			return nil, err
		}
		histories := make([]UserConditionHistory, histCount)
		for h := uint32(0); h < histCount; h++ {
			var condIndex uint32
			var snapCount uint32
			if err := binary.Read(r, binary.LittleEndian, &condIndex); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.LittleEndian, &snapCount); err != nil {
				return nil, err
			}
			snaps := make([]Snapshot, snapCount)
			for s := uint32(0); s < snapCount; s++ {
				snap, err := readSnapshot(r)
				if err != nil {
					return nil, err
				}
				snaps[s] = snap
			}
			histories[h] = UserConditionHistory{CondIndex: condIndex, Snapshots: snaps}
		}
		users[i] = UserState{UserID: userID, UserIndex: i, Histories: histories}
	}

	return &State{Metadata: md, Users: users}, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeSnapshot(w io.Writer, s Snapshot) error {
	if err := binary.Write(w, binary.LittleEndian, s.Timestamp); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, s.Delta); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, s.Price); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, s.Positions); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, s.CostBasis); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, s.RealizedPnl); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(s.EventType)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, s.TokenIndex); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, s.OutcomeCount); err != nil {
		return err
	}
	_, err := w.Write(make([]byte, 5))
	return err
}

func readSnapshot(r io.Reader) (Snapshot, error) {
	var s Snapshot
	var eventType uint8
	fields := []any{
		&s.Timestamp, &s.Delta, &s.Price, &s.Positions, &s.CostBasis, &s.RealizedPnl,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return Snapshot{}, err
		}
	}
	if err := binary.Read(r, binary.LittleEndian, &eventType); err != nil {
		return Snapshot{}, err
	}
	s.EventType = EventType(eventType)
	if err := binary.Read(r, binary.LittleEndian, &s.TokenIndex); err != nil {
		return Snapshot{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &s.OutcomeCount); err != nil {
		return Snapshot{}, err
	}
	pad := make([]byte, 5)
	if _, err := io.ReadFull(r, pad); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}
