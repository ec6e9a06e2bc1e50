package waitlist

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MovementKind classifies a movement for reporting.
type MovementKind string

const (
	KindCreate     MovementKind = "create"
	KindRegulate   MovementKind = "regulate"
	KindReclassify MovementKind = "reclassify"
	KindUpdate     MovementKind = "update"
	KindCancel     MovementKind = "cancel"
	KindReorder    MovementKind = "reorder"
	KindAnnotation MovementKind = "annotation"
)

// Movement is one immutable audit record.
type Movement struct {
	Seq         int          `json:"seq"`
	Kind        MovementKind `json:"kind"`
	Timestamp   time.Time    `json:"timestamp"`
	Description string       `json:"description"`
	ActorID     string       `json:"actor_id"`
	ActorName   string       `json:"actor_name"`
	PriorStatus *Status      `json:"prior_status,omitempty"`
	NewStatus   *Status      `json:"new_status,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Hash        string       `json:"hash"`
}

// History is the append-only movement log of a single entry. Each movement
// is chained to its predecessor by Hash, so any edit to a stored record is
// detected by Verify.
type History struct {
	movements []Movement
}

// NewHistory wraps movements loaded from storage, in insertion order.
func NewHistory(movements []Movement) History {
	return History{movements: append([]Movement(nil), movements...)}
}

// Append stamps m with the next sequence number and chain hash, records it
// and returns the stored copy. Timestamps are kept at microsecond precision
// so the hash survives a database round trip.
func (h *History) Append(m Movement) Movement {
	m.Seq = len(h.movements) + 1
	m.Timestamp = m.Timestamp.UTC().Truncate(time.Microsecond)
	m.Hash = chainHash(h.lastHash(), m)
	h.movements = append(h.movements, m)
	return m
}

func (h History) Len() int { return len(h.movements) }

// All returns the movements in insertion order.
func (h History) All() []Movement {
	return append([]Movement(nil), h.movements...)
}

// MostRecentFirst returns the movements newest first.
func (h History) MostRecentFirst() []Movement {
	out := make([]Movement, len(h.movements))
	for i, m := range h.movements {
		out[len(h.movements)-1-i] = m
	}
	return out
}

// Last returns the most recent movement.
func (h History) Last() (Movement, bool) {
	if len(h.movements) == 0 {
		return Movement{}, false
	}
	return h.movements[len(h.movements)-1], true
}

// ChainError reports the first movement whose sequence number or hash does
// not match the chain.
type ChainError struct {
	Seq    int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("history chain broken at movement %d: %s", e.Seq, e.Reason)
}

// Verify recomputes the hash chain.
func (h History) Verify() error {
	prev := ""
	for i, m := range h.movements {
		if m.Seq != i+1 {
			return &ChainError{Seq: i + 1, Reason: fmt.Sprintf("sequence is %d", m.Seq)}
		}
		if want := chainHash(prev, m); m.Hash != want {
			return &ChainError{Seq: m.Seq, Reason: "hash mismatch"}
		}
		prev = m.Hash
	}
	return nil
}

func (h History) lastHash() string {
	if m, ok := h.Last(); ok {
		return m.Hash
	}
	return ""
}

func (h History) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.MostRecentFirst())
}

func (h *History) UnmarshalJSON(data []byte) error {
	var ms []Movement
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}
	// Serialized newest first.
	for i, j := 0, len(ms)-1; i < j; i, j = i+1, j-1 {
		ms[i], ms[j] = ms[j], ms[i]
	}
	h.movements = ms
	return nil
}

func chainHash(prev string, m Movement) string {
	fields := []string{
		prev,
		strconv.Itoa(m.Seq),
		string(m.Kind),
		m.Timestamp.UTC().Format(time.RFC3339Nano),
		m.Description,
		m.ActorID,
		m.ActorName,
		statusString(m.PriorStatus),
		statusString(m.NewStatus),
		m.Reason,
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func statusString(s *Status) string {
	if s == nil {
		return ""
	}
	return string(*s)
}

func statusPtr(s Status) *Status { return &s }
