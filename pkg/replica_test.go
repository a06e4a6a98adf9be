package kvstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/Voskan/tiered-kv/internal/codec"
)

func newTestReplica(t *testing.T) *Replica {
	t.Helper()
	dir := t.TempDir()
	r, err := newReplica(dir, 0, 0, 0.5, 1024, 5, noopMetrics{}, zap.NewNop())
	if err != nil {
		t.Fatalf("newReplica: %v", err)
	}
	return r
}

func TestReplicaPutGetRoundTrip(t *testing.T) {
	r := newTestReplica(t)
	if err := r.Put("k", map[string]any{"v": 1.0}, true, codec.Schema1, "", false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := r.Get("k")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	m := v.(map[string]any)
	if m["v"].(float64) != 1.0 {
		t.Fatalf("unexpected value: %#v", v)
	}
}

func TestReplicaGetMissingKeyIsNotError(t *testing.T) {
	r := newTestReplica(t)
	v, ok, err := r.Get("missing")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if ok {
		t.Fatal("expected ok=false")
	}
	if v != nil {
		t.Fatalf("expected nil value, got %#v", v)
	}
}

func TestReplicaOverwriteProducesHistory(t *testing.T) {
	r := newTestReplica(t)
	if err := r.Put("k", map[string]any{"v": 1.0}, true, codec.Schema1, "", false); err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	if err := r.Put("k", map[string]any{"v": 2.0}, true, codec.Schema1, "", false); err != nil {
		t.Fatalf("Put 2: %v", err)
	}

	versions, err := r.GetAllVersions("k")
	if err != nil {
		t.Fatalf("GetAllVersions: %v", err)
	}
	latest := versions["latest"].(map[string]any)
	if latest["v"].(float64) != 2.0 {
		t.Fatalf("expected latest v=2, got %#v", latest)
	}

	histCount := 0
	for k, v := range versions {
		if strings.HasPrefix(k, "k::hist") {
			histCount++
			m := v.(map[string]any)
			if m["v"].(float64) != 1.0 {
				t.Fatalf("expected history value v=1, got %#v", m)
			}
		}
	}
	if histCount != 1 {
		t.Fatalf("expected exactly one history entry, got %d", histCount)
	}
}

func TestReplicaHistoryBounded(t *testing.T) {
	r := newTestReplica(t)
	for i := 0; i < 10; i++ {
		if err := r.Put("k", map[string]any{"v": float64(i)}, true, codec.Schema1, "", false); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	r.mu.Lock()
	histCount := 0
	for k := range r.index {
		if strings.HasPrefix(k, "k::hist") {
			histCount++
		}
	}
	r.mu.Unlock()
	if histCount > 5 {
		t.Fatalf("expected at most 5 history entries (default max_versions), got %d", histCount)
	}
}

func TestReplicaHotBoundWithEviction(t *testing.T) {
	dir := t.TempDir()
	r, err := newReplica(dir, 0, 0, 0.5, 1024, 5, noopMetrics{}, zap.NewNop())
	if err != nil {
		t.Fatalf("newReplica: %v", err)
	}
	r.hotLimit = 3 // force a tiny bound to exercise eviction deterministically

	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		if err := r.Put(k, map[string]any{"k": k}, true, codec.Schema1, "", false); err != nil {
			t.Fatalf("Put %q: %v", k, err)
		}
		if r.order.Len() > r.hotLimit {
			t.Fatalf("hot bound violated after Put(%q): hot size %d > limit %d", k, r.order.Len(), r.hotLimit)
		}
	}

	// Evicted keys must still be retrievable from cold storage.
	for _, k := range keys {
		v, ok, err := r.Get(k)
		if err != nil || !ok {
			t.Fatalf("Get(%q) after eviction: ok=%v err=%v", k, ok, err)
		}
		if v.(map[string]any)["k"].(string) != k {
			t.Fatalf("Get(%q) returned wrong value: %#v", k, v)
		}
	}
}

func TestReplicaReadPromotionEnforcesHotBound(t *testing.T) {
	dir := t.TempDir()
	r, err := newReplica(dir, 0, 0, 0.5, 1024, 5, noopMetrics{}, zap.NewNop())
	if err != nil {
		t.Fatalf("newReplica: %v", err)
	}
	r.hotLimit = 2

	for _, k := range []string{"a", "b"} {
		if err := r.Put(k, map[string]any{"k": k}, false, codec.Schema1, "", false); err != nil {
			t.Fatalf("Put %q: %v", k, err)
		}
	}
	// Force both out of hot via day_change, leaving them only in cold.
	if _, err := r.DayChange(); err != nil {
		t.Fatalf("DayChange: %v", err)
	}

	if _, ok, err := r.Get("a"); err != nil || !ok {
		t.Fatalf("Get(a): ok=%v err=%v", ok, err)
	}
	if _, ok, err := r.Get("b"); err != nil || !ok {
		t.Fatalf("Get(b): ok=%v err=%v", ok, err)
	}
	if r.order.Len() > r.hotLimit {
		t.Fatalf("hot bound violated by read promotion: %d > %d", r.order.Len(), r.hotLimit)
	}
}

func TestReplicaDayChangeEmptiesHot(t *testing.T) {
	r := newTestReplica(t)
	for i := 0; i < 10; i++ {
		key := "k" + string(rune('a'+i))
		if err := r.Put(key, map[string]any{"i": float64(i)}, false, codec.Schema1, "", false); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	count, err := r.DayChange()
	if err != nil {
		t.Fatalf("DayChange: %v", err)
	}
	if count != 10 {
		t.Fatalf("expected 10 flushed, got %d", count)
	}
	if r.order.Len() != 0 {
		t.Fatalf("expected hot tier empty after DayChange, got %d entries", r.order.Len())
	}

	for i := 0; i < 10; i++ {
		key := "k" + string(rune('a'+i))
		_, ok, err := r.Get(key)
		if err != nil || !ok {
			t.Fatalf("Get(%q) after DayChange: ok=%v err=%v", key, ok, err)
		}
	}
}

func TestReplicaIndexRebuildAfterDeletingSidecar(t *testing.T) {
	dir := t.TempDir()
	r, err := newReplica(dir, 0, 0, 0.5, 1024, 5, noopMetrics{}, zap.NewNop())
	if err != nil {
		t.Fatalf("newReplica: %v", err)
	}
	for i := 0; i < 5; i++ {
		key := "k" + string(rune('a'+i))
		if err := r.Put(key, map[string]any{"i": float64(i)}, true, codec.Schema1, "", false); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	indexPath := filepath.Join(dir, "index.bin")
	if err := os.Remove(indexPath); err != nil {
		t.Fatalf("remove index.bin: %v", err)
	}

	r2, err := newReplica(dir, 0, 0, 0.5, 1024, 5, noopMetrics{}, zap.NewNop())
	if err != nil {
		t.Fatalf("newReplica (rebuild): %v", err)
	}
	for i := 0; i < 5; i++ {
		key := "k" + string(rune('a'+i))
		v, ok, err := r2.Get(key)
		if err != nil || !ok {
			t.Fatalf("Get(%q) after rebuild: ok=%v err=%v", key, ok, err)
		}
		if v.(map[string]any)["i"].(float64) != float64(i) {
			t.Fatalf("Get(%q) wrong value after rebuild: %#v", key, v)
		}
	}
}

func TestGetRawHotHitReportsSchemaOne(t *testing.T) {
	r := newTestReplica(t)
	if err := r.Put("k", map[string]any{"v": 1.0}, true, codec.Schema2, "extra", true); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec, ok, err := r.GetRaw("k")
	if err != nil || !ok {
		t.Fatalf("GetRaw: ok=%v err=%v", ok, err)
	}
	if rec.SchemaVersion != codec.Schema1 || rec.HasExtra {
		t.Fatalf("expected hot-hit to report schema 1 / no extra, got %+v", rec)
	}
}

func TestGetRawColdHitReportsStoredSchema(t *testing.T) {
	r := newTestReplica(t)
	if err := r.Put("k", map[string]any{"v": 1.0}, true, codec.Schema2, "extra", true); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := r.DayChange(); err != nil {
		t.Fatalf("DayChange: %v", err)
	}
	rec, ok, err := r.GetRaw("k")
	if err != nil || !ok {
		t.Fatalf("GetRaw: ok=%v err=%v", ok, err)
	}
	if rec.SchemaVersion != codec.Schema1 {
		// DayChange always writes schema 1, so this is the expected post-flush shape.
		t.Fatalf("expected schema 1 post day_change, got %d", rec.SchemaVersion)
	}
}

func TestCleanOldVersionsCustomThreshold(t *testing.T) {
	r := newTestReplica(t)
	for i := 0; i < 3; i++ {
		if err := r.Put("k", map[string]any{"v": float64(i)}, true, codec.Schema1, "", false); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	r.CleanOldVersions("k", 1)
	r.mu.Lock()
	histCount := 0
	for k := range r.index {
		if strings.HasPrefix(k, "k::hist") {
			histCount++
		}
	}
	r.mu.Unlock()
	if histCount > 1 {
		t.Fatalf("expected at most 1 history entry after custom threshold, got %d", histCount)
	}
}
