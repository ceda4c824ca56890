package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/strata/pkg/auth"
)

func fixedClock() func() time.Time {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func TestRecord_ChainsEntries(t *testing.T) {
	trail := NewTrail().WithClock(fixedClock())
	ctx := context.Background()

	first, err := trail.Record(ctx, "tenant.create", "t-1", map[string]interface{}{"name": "Acme"})
	require.NoError(t, err)
	second, err := trail.Record(ctx, "tenant.suspend", "t-1", nil)
	require.NoError(t, err)
	third, err := trail.Record(ctx, "allocation.grant", "t-2", map[string]interface{}{"resource": "cpu"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, uint64(3), third.Sequence)

	assert.Equal(t, "genesis", first.PrevHash)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Equal(t, second.Hash, third.PrevHash)
	assert.True(t, strings.HasPrefix(first.Hash, "sha256:"))

	assert.Equal(t, third.Hash, trail.Head())
	assert.Equal(t, 3, trail.Len())
	assert.NoError(t, trail.Verify())
}

func TestRecord_ActorFromPrincipal(t *testing.T) {
	trail := NewTrail().WithClock(fixedClock())

	ctx := auth.WithPrincipal(context.Background(), &auth.BasePrincipal{
		ID:       "user-7",
		TenantID: "t-1",
		Roles:    []string{"admin"},
	})
	entry, err := trail.Record(ctx, "tenant.terminate", "t-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "user-7", entry.Actor)

	background, err := trail.Record(context.Background(), "scaling.evaluate", "t-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "system", background.Actor)
}

func TestRecord_EmptyActionRejected(t *testing.T) {
	trail := NewTrail()
	_, err := trail.Record(context.Background(), "", "t-1", nil)
	assert.Error(t, err)
	assert.Equal(t, 0, trail.Len())
}

func TestVerify_DetectsTamperedContent(t *testing.T) {
	trail := NewTrail().WithClock(fixedClock())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := trail.Record(ctx, "tenant.create", "t-1", map[string]interface{}{"n": i})
		require.NoError(t, err)
	}
	require.NoError(t, trail.Verify())

	trail.entries[1].Details["n"] = 99

	err := trail.Verify()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence 2")
}

func TestVerify_DetectsBrokenChain(t *testing.T) {
	trail := NewTrail().WithClock(fixedClock())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := trail.Record(ctx, "allocation.grant", "t-1", nil)
		require.NoError(t, err)
	}

	trail.entries[2].PrevHash = "sha256:0000"

	err := trail.Verify()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain break at sequence 3")
}

func TestRecord_MirrorsJSONLines(t *testing.T) {
	var buf bytes.Buffer
	trail := NewTrail().WithClock(fixedClock()).WithWriter(&buf)

	_, err := trail.Record(context.Background(), "tenant.create", "t-1", nil)
	require.NoError(t, err)
	_, err = trail.Record(context.Background(), "tenant.resume", "t-1", nil)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		require.True(t, strings.HasPrefix(line, "AUDIT: "))
		var entry Entry
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "AUDIT: ")), &entry))
	}
	assert.Contains(t, lines[1], "tenant.resume")
}

func TestRecord_ClonesDetails(t *testing.T) {
	trail := NewTrail().WithClock(fixedClock())

	details := map[string]interface{}{"amount": int64(4)}
	_, err := trail.Record(context.Background(), "allocation.grant", "t-1", details)
	require.NoError(t, err)

	details["amount"] = int64(9000)

	require.NoError(t, trail.Verify())
	assert.Equal(t, int64(4), trail.Entries()[0].Details["amount"])
}

func TestEntries_ReturnsCopy(t *testing.T) {
	trail := NewTrail().WithClock(fixedClock())
	_, err := trail.Record(context.Background(), "tenant.create", "t-1", map[string]interface{}{"k": "v"})
	require.NoError(t, err)

	got := trail.Entries()
	got[0].Action = "mangled"
	got[0].Details["k"] = "mangled"

	require.NoError(t, trail.Verify())
	assert.Equal(t, "tenant.create", trail.Entries()[0].Action)
	assert.Equal(t, "v", trail.Entries()[0].Details["k"])
}

func TestRecord_ConcurrentAppends(t *testing.T) {
	trail := NewTrail()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := trail.Record(ctx, "allocation.grant", "t-1", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, trail.Len())
	assert.NoError(t, trail.Verify())
}
