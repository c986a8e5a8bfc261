package costgate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/meridian-labs/aegis/pkg/contracts"
)

// Decision values recorded in the ledger.
const (
	DecisionAdmit = "admit"
	DecisionBlock = "block"
)

// LedgerEntry is an immutable, hash-chained admission record. Entries are
// never mutated or deleted; the only read surface is sequential export.
type LedgerEntry struct {
	Seq                 uint64             `json:"seq"`
	ActionID            string             `json:"action_id"`
	Category            contracts.Category `json:"category"`
	EstimatedCost       float64            `json:"estimated_cost"`
	AlternativeCategory contracts.Category `json:"alternative_category,omitempty"`
	AlternativeCost     float64            `json:"alternative_cost,omitempty"`
	Decision            string             `json:"decision"`
	Timestamp           time.Time          `json:"timestamp"`
	PrevHash            string             `json:"prev_hash"`
	ContentHash         string             `json:"content_hash"`
}

// Ledger is the append-only cost audit log. Appends are safe for concurrent
// use; the chain head makes any tampering detectable via Verify.
type Ledger struct {
	mu       sync.Mutex
	entries  []LedgerEntry
	headHash string
	clock    func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{headHash: "genesis", clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append records one admission decision and returns its sequence number.
func (l *Ledger) Append(e LedgerEntry) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Seq = uint64(len(l.entries)) + 1
	e.Timestamp = l.clock()
	e.PrevHash = l.headHash
	e.ContentHash = entryHash(e)

	l.entries = append(l.entries, e)
	l.headHash = e.ContentHash
	return e.Seq
}

// Length returns the number of recorded decisions.
func (l *Ledger) Length() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Head returns the current chain head hash.
func (l *Ledger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headHash
}

// Export writes every entry as JSON lines, oldest first. This is the ledger's
// entire read API.
func (l *Ledger) Export(w io.Writer) error {
	l.mu.Lock()
	entries := make([]LedgerEntry, len(l.entries))
	copy(entries, l.entries)
	l.mu.Unlock()

	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("export ledger entry %d: %w", e.Seq, err)
		}
	}
	return nil
}

// Verify walks the chain and reports the first inconsistency, if any.
func (l *Ledger) Verify() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := "genesis"
	for i, e := range l.entries {
		if e.PrevHash != prev {
			return false, fmt.Sprintf("chain broken at entry %d", i+1)
		}
		if entryHash(e) != e.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prev = e.ContentHash
	}
	return true, "chain verified"
}

func entryHash(e LedgerEntry) string {
	e.ContentHash = ""
	raw, _ := json.Marshal(e)
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:])
}
