package state

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hfortes/courier/internal/store"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func seedChats(t *testing.T, r *Reconciler, chats []*store.Chat) {
	t.Helper()
	if _, err := r.ReconcileAll(chats, Options{}); err != nil {
		t.Fatal(err)
	}
}

func TestOrderingBands(t *testing.T) {
	r, _ := newTestReconciler(t)
	seedChats(t, r, []*store.Chat{
		{GUID: "unpinned-new", Origin: store.OriginRemote, LatestGUID: strPtr("m1"), LatestAt: 9000},
		{GUID: "pinned-noindex", Origin: store.OriginRemote, Pinned: true, LatestGUID: strPtr("m2"), LatestAt: 100},
		{GUID: "pinned-1", Origin: store.OriginRemote, Pinned: true, PinIndex: intPtr(1), LatestGUID: strPtr("m3"), LatestAt: 50},
		{GUID: "pinned-0", Origin: store.OriginRemote, Pinned: true, PinIndex: intPtr(0), LatestGUID: strPtr("m4"), LatestAt: 10},
		{GUID: "unpinned-old", Origin: store.OriginRemote, LatestGUID: strPtr("m5"), LatestAt: 1000},
		{GUID: "no-latest", Origin: store.OriginRemote},
	})

	var order []string
	for _, s := range r.Snapshot() {
		order = append(order, s.GUID)
	}
	want := []string{
		"pinned-0",       // index 0 first
		"pinned-1",       // then index 1, recency irrelevant
		"pinned-noindex", // pinned without index after indexed
		"unpinned-new",   // then recency, descending
		"unpinned-old",
		"no-latest", // no latest message sorts last
	}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

// TestSortStability re-runs the sort on an unchanged entry set; the result
// must not thrash.
func TestSortStability(t *testing.T) {
	r, _ := newTestReconciler(t)
	// Deliberate ties: same timestamp, same pin state.
	seedChats(t, r, []*store.Chat{
		{GUID: "b", Origin: store.OriginRemote, LatestGUID: strPtr("m1"), LatestAt: 1000},
		{GUID: "a", Origin: store.OriginRemote, LatestGUID: strPtr("m2"), LatestAt: 1000},
		{GUID: "c", Origin: store.OriginRemote, LatestGUID: strPtr("m3"), LatestAt: 1000},
	})

	first := r.Snapshot()
	for i := 0; i < 10; i++ {
		if diff := cmp.Diff(first, r.Snapshot()); diff != "" {
			t.Fatalf("run %d differs:\n%s", i, diff)
		}
	}
}

func TestDeletedExcludedFromSnapshot(t *testing.T) {
	r, _ := newTestReconciler(t)
	seedChats(t, r, []*store.Chat{
		{GUID: "live", Origin: store.OriginRemote},
		{GUID: "gone", Origin: store.OriginRemote},
	})
	if err := r.SetDeleted("gone", true); err != nil {
		t.Fatal(err)
	}

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].GUID != "live" {
		t.Errorf("snapshot = %v, want only live", snap)
	}
}

func pinIndexes(r *Reconciler) map[string]int {
	out := make(map[string]int)
	for _, s := range r.Snapshot() {
		if s.Pinned && s.PinIndex != nil {
			out[s.GUID] = *s.PinIndex
		}
	}
	return out
}

func assertContiguous(t *testing.T, r *Reconciler, wantCount int) {
	t.Helper()
	idx := pinIndexes(r)
	if len(idx) != wantCount {
		t.Fatalf("pinned-with-index count = %d, want %d", len(idx), wantCount)
	}
	seen := make(map[int]string)
	for guid, i := range idx {
		if i < 0 || i >= wantCount {
			t.Errorf("pin index %d for %s out of [0,%d)", i, guid, wantCount)
		}
		if prev, dup := seen[i]; dup {
			t.Errorf("pin index %d duplicated: %s and %s", i, prev, guid)
		}
		seen[i] = guid
	}
}

func TestReorderPinRenumbersContiguously(t *testing.T) {
	r, f := newTestReconciler(t)
	seedChats(t, r, []*store.Chat{
		{GUID: "p0", Origin: store.OriginRemote, Pinned: true, PinIndex: intPtr(0)},
		{GUID: "p1", Origin: store.OriginRemote, Pinned: true, PinIndex: intPtr(1)},
		{GUID: "p2", Origin: store.OriginRemote, Pinned: true, PinIndex: intPtr(2)},
		{GUID: "p3", Origin: store.OriginRemote, Pinned: true, PinIndex: intPtr(3)},
		{GUID: "x", Origin: store.OriginRemote},
	})

	before := f.putCount()
	// Move p0 to the end.
	if err := r.ReorderPin(0, 4); err != nil {
		t.Fatal(err)
	}
	// All renumbered entries persist together, not just the moved one.
	if got := f.putCount() - before; got != 1 {
		t.Errorf("persist calls = %d, want 1 batch", got)
	}

	assertContiguous(t, r, 4)
	idx := pinIndexes(r)
	want := map[string]int{"p1": 0, "p2": 1, "p3": 2, "p0": 3}
	if diff := cmp.Diff(want, idx); diff != "" {
		t.Errorf("indexes (-want +got):\n%s", diff)
	}

	// Move it back to the front.
	if err := r.ReorderPin(3, 0); err != nil {
		t.Fatal(err)
	}
	assertContiguous(t, r, 4)
	idx = pinIndexes(r)
	if idx["p0"] != 0 {
		t.Errorf("p0 index = %d, want 0", idx["p0"])
	}
}

func TestReorderPinOutOfRange(t *testing.T) {
	r, _ := newTestReconciler(t)
	seedChats(t, r, []*store.Chat{
		{GUID: "p0", Origin: store.OriginRemote, Pinned: true, PinIndex: intPtr(0)},
	})
	if err := r.ReorderPin(5, 0); err == nil {
		t.Error("out-of-range old index should fail")
	}
}

func TestSetPinnedAssignsNextIndex(t *testing.T) {
	r, _ := newTestReconciler(t)
	seedChats(t, r, []*store.Chat{
		{GUID: "p0", Origin: store.OriginRemote, Pinned: true, PinIndex: intPtr(0)},
		{GUID: "p1", Origin: store.OriginRemote, Pinned: true, PinIndex: intPtr(1)},
		{GUID: "x", Origin: store.OriginRemote},
	})

	if err := r.SetPinned("x", true); err != nil {
		t.Fatal(err)
	}
	assertContiguous(t, r, 3)
	if idx := pinIndexes(r); idx["x"] != 2 {
		t.Errorf("new pin index = %d, want 2 (appended)", idx["x"])
	}

	// Unpinning the middle entry renumbers the rest; unpinned entries must
	// carry no index.
	if err := r.SetPinned("p1", false); err != nil {
		t.Fatal(err)
	}
	assertContiguous(t, r, 2)
	e, _ := r.Entry("p1")
	if e.Pinned || e.PinIndex != nil {
		t.Errorf("unpinned entry = pinned=%v index=%v, want cleared", e.Pinned, e.PinIndex)
	}
	idx := pinIndexes(r)
	if idx["p0"] != 0 || idx["x"] != 1 {
		t.Errorf("indexes after unpin = %v, want p0:0 x:1", idx)
	}
}

func TestMarkReadFastPath(t *testing.T) {
	r, f := newTestReconciler(t)
	seedChats(t, r, []*store.Chat{
		{GUID: "g1", Origin: store.OriginRemote, Unread: true},
		{GUID: "g2", Origin: store.OriginRemote, Unread: true},
	})
	if r.UnreadCount() != 2 {
		t.Fatalf("unread = %d, want 2", r.UnreadCount())
	}

	if err := r.MarkRead("g1"); err != nil {
		t.Fatal(err)
	}
	if r.UnreadCount() != 1 {
		t.Errorf("unread = %d, want 1 (fast path)", r.UnreadCount())
	}
	if f.checkpoints[store.KeyUnreadCount] != "1" {
		t.Errorf("persisted counter = %q, want 1", f.checkpoints[store.KeyUnreadCount])
	}

	// Marking a read chat again is a no-op.
	before := f.putCount()
	if err := r.MarkRead("g1"); err != nil {
		t.Fatal(err)
	}
	if f.putCount() != before {
		t.Error("no-op mark-read must not write")
	}

	// Full recompute agrees with the fast path.
	if got := r.RecomputeUnread(); got != 1 {
		t.Errorf("recompute = %d, want 1", got)
	}
}

func TestDropOrigin(t *testing.T) {
	r, _ := newTestReconciler(t)
	seedChats(t, r, []*store.Chat{
		{GUID: "remote1", Origin: store.OriginRemote, Unread: true},
		{GUID: "sms1", Origin: store.OriginSMS, Unread: true},
	})

	r.DropOrigin(store.OriginRemote)
	if r.Len() != 1 {
		t.Fatalf("entries = %d, want 1", r.Len())
	}
	if _, ok := r.Entry("sms1"); !ok {
		t.Error("sms entry must survive")
	}
	if r.UnreadCount() != 1 {
		t.Errorf("unread = %d, want 1 after drop", r.UnreadCount())
	}
}
