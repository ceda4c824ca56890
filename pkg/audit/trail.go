// Package audit records control plane mutations in a tamper-evident,
// hash-chained trail. Every entry carries the hash of its predecessor, so
// any modification or deletion of a past entry breaks verification.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Mindburn-Labs/strata/pkg/auth"
)

// genesisHash roots the chain before any entry exists.
const genesisHash = "genesis"

// Entry is a single immutable audit record.
type Entry struct {
	Sequence  uint64                 `json:"sequence"`
	Action    string                 `json:"action"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	Actor     string                 `json:"actor"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	PrevHash  string                 `json:"prev_hash"`
	Hash      string                 `json:"hash"`
}

// hashInput is the canonical content that gets hashed. Field order matters
// for deterministic JSON serialization.
type hashInput struct {
	Sequence uint64                 `json:"sequence"`
	Action   string                 `json:"action"`
	TenantID string                 `json:"tenant_id"`
	Actor    string                 `json:"actor"`
	At       int64                  `json:"at"`
	Details  map[string]interface{} `json:"details"`
	PrevHash string                 `json:"prev_hash"`
}

// Trail is an append-only, in-memory audit chain. An optional writer
// mirrors each entry as a JSON line for log shipping.
type Trail struct {
	mu      sync.Mutex
	entries []Entry
	head    string
	clock   func() time.Time
	out     io.Writer
}

// NewTrail creates an empty trail rooted at the genesis hash.
func NewTrail() *Trail {
	return &Trail{
		entries: make([]Entry, 0),
		head:    genesisHash,
		clock:   time.Now,
	}
}

// WithClock overrides the time source.
func (t *Trail) WithClock(clock func() time.Time) *Trail {
	if clock != nil {
		t.clock = clock
	}
	return t
}

// WithWriter mirrors every appended entry to w as a single JSON line.
func (t *Trail) WithWriter(w io.Writer) *Trail {
	t.out = w
	return t
}

// Record appends an entry for the given action. The actor is taken from the
// request principal; background operations fall back to "system". The details
// map is cloned so later caller mutation cannot corrupt the chain.
func (t *Trail) Record(ctx context.Context, action, tenantID string, details map[string]interface{}) (Entry, error) {
	if action == "" {
		return Entry{}, fmt.Errorf("audit: action must not be empty")
	}

	actor := "system"
	if principal, err := auth.GetPrincipal(ctx); err == nil && principal.GetID() != "" {
		actor = principal.GetID()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock().UTC()
	entry := Entry{
		Sequence:  uint64(len(t.entries)) + 1,
		Action:    action,
		TenantID:  tenantID,
		Actor:     actor,
		Details:   cloneDetails(details),
		Timestamp: now,
		PrevHash:  t.head,
	}

	hash, err := contentHash(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: hash entry: %w", err)
	}
	entry.Hash = hash

	t.entries = append(t.entries, entry)
	t.head = hash

	if t.out != nil {
		if err := writeLine(t.out, entry); err != nil {
			return entry, fmt.Errorf("audit: mirror entry %d: %w", entry.Sequence, err)
		}
	}
	return entry, nil
}

// Head returns the hash of the newest entry, or the genesis hash when empty.
func (t *Trail) Head() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.head
}

// Len returns the number of entries in the trail.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Entries returns a copy of the full trail, oldest first.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	for i := range out {
		out[i].Details = cloneDetails(out[i].Details)
	}
	return out
}

// Verify walks the chain from genesis and reports the first break: a gap in
// sequence numbers, a predecessor hash that does not match, or a content hash
// that no longer matches the entry.
func (t *Trail) Verify() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := genesisHash
	for i, entry := range t.entries {
		if entry.Sequence != uint64(i)+1 {
			return fmt.Errorf("audit: sequence gap at position %d: got %d", i, entry.Sequence)
		}
		if entry.PrevHash != prev {
			return fmt.Errorf("audit: chain break at sequence %d", entry.Sequence)
		}
		hash, err := contentHash(entry)
		if err != nil {
			return fmt.Errorf("audit: rehash sequence %d: %w", entry.Sequence, err)
		}
		if hash != entry.Hash {
			return fmt.Errorf("audit: content hash mismatch at sequence %d", entry.Sequence)
		}
		prev = entry.Hash
	}
	return nil
}

func contentHash(e Entry) (string, error) {
	input := hashInput{
		Sequence: e.Sequence,
		Action:   e.Action,
		TenantID: e.TenantID,
		Actor:    e.Actor,
		At:       e.Timestamp.UnixNano(),
		Details:  e.Details,
		PrevHash: e.PrevHash,
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func writeLine(w io.Writer, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "AUDIT: %s\n", data)
	return err
}

func cloneDetails(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
