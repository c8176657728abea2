package store

import (
	"sync"
	"testing"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/obsidianstack/depwatch/pkg/types"
)

func rec(id string, code types.StatusCode, msg string) types.ServiceStatusRecord {
	return types.ServiceStatusRecord{ServiceID: id, StatusCode: code, Message: msg}
}

func TestApplyAndGet(t *testing.T) {
	st := New()
	st.Apply(rec("svc-1", types.StatusOK, "fine"))

	r, ok := st.Get("svc-1")
	if !ok {
		t.Fatal("Get: expected record, got none")
	}
	if r.StatusCode != types.StatusOK || r.Message != "fine" {
		t.Errorf("record: got %+v", r)
	}
}

func TestGet_MissingIsDistinctFromUnknown(t *testing.T) {
	st := New()
	st.Apply(rec("observed", types.StatusUnknown, "no data"))

	if _, ok := st.Get("never"); ok {
		t.Error("Get(never): expected false, got true")
	}
	r, ok := st.Get("observed")
	if !ok {
		t.Fatal("Get(observed): expected record")
	}
	if r.StatusCode != types.StatusUnknown {
		t.Errorf("StatusCode: got %v, want unknown", r.StatusCode)
	}
}

func TestApply_OneNotificationPerBatch(t *testing.T) {
	st := New()
	var got []Snapshot
	st.Subscribe(func(s Snapshot) { got = append(got, s) })

	st.Apply(
		rec("a", types.StatusOK, "1"),
		rec("b", types.StatusFailed, "2"),
		rec("a", types.StatusDegraded, "3"),
	)

	if len(got) != 1 {
		t.Fatalf("notifications: got %d, want 1", len(got))
	}
	r, _ := st.Get("a")
	if r.StatusCode != types.StatusDegraded || r.Message != "3" {
		t.Errorf("last write within batch: got %+v, want degraded/3", r)
	}
	if got[0].Len() != 2 {
		t.Errorf("snapshot Len: got %d, want 2", got[0].Len())
	}
}

func TestApply_EmptyBatchNotifiesOnce(t *testing.T) {
	st := New()
	st.Apply(rec("a", types.StatusOK, ""))

	var got []Snapshot
	st.Subscribe(func(s Snapshot) { got = append(got, s) })
	snap := st.Apply()

	if len(got) != 1 {
		t.Fatalf("notifications: got %d, want 1", len(got))
	}
	if got[0].Version() != 1 || snap.Version() != 1 {
		t.Errorf("Version: got %d/%d, want 1 (unchanged)", got[0].Version(), snap.Version())
	}
	if got[0].Len() != 1 {
		t.Errorf("snapshot Len: got %d, want 1", got[0].Len())
	}
}

func TestApply_ReplacesWholesale(t *testing.T) {
	st := New()
	cpu := 50.0
	st.Apply(types.ServiceStatusRecord{
		ServiceID: "a",
		Metrics:   &types.Metrics{CPUUsage: &cpu},
		Details:   map[string]any{"k": "v"},
	})
	st.Apply(rec("a", types.StatusFailed, "down"))

	r, _ := st.Get("a")
	if r.Metrics != nil || r.Details != nil {
		t.Errorf("expected no field-level merge, got metrics=%+v details=%v", r.Metrics, r.Details)
	}
}

func TestSnapshot_IsDefensiveCopy(t *testing.T) {
	st := New()
	st.Apply(types.ServiceStatusRecord{ServiceID: "a", Details: map[string]any{"k": "v"}})

	snap := st.Snapshot()
	recs := snap.Records()
	recs["a"].Details["k"] = "mutated"
	delete(recs, "a")

	r, ok := st.Get("a")
	if !ok || r.Details["k"] != "v" {
		t.Errorf("store mutated through snapshot: got %+v ok=%v", r, ok)
	}
	r2, _ := snap.Get("a")
	r2.Details["k"] = "again"
	if r3, _ := snap.Get("a"); r3.Details["k"] != "v" {
		t.Errorf("snapshot mutated through Get: got %v", r3.Details["k"])
	}
}

func TestSnapshot_NotAffectedByLaterApply(t *testing.T) {
	st := New()
	st.Apply(rec("a", types.StatusOK, ""))
	before := st.Snapshot()
	st.Apply(rec("a", types.StatusFailed, ""), rec("b", types.StatusOK, ""))

	r, _ := before.Get("a")
	if r.StatusCode != types.StatusOK {
		t.Errorf("old snapshot changed: got %v", r.StatusCode)
	}
	if before.Len() != 1 {
		t.Errorf("old snapshot Len: got %d, want 1", before.Len())
	}
	if st.Snapshot().Version() <= before.Version() {
		t.Errorf("Version did not advance: %d -> %d", before.Version(), st.Snapshot().Version())
	}
}

func TestSubscribe_UnsubscribeOneKeepsOthers(t *testing.T) {
	st := New()
	var a, b int
	unsubA := st.Subscribe(func(Snapshot) { a++ })
	st.Subscribe(func(Snapshot) { b++ })

	st.Apply(rec("x", types.StatusOK, ""))
	unsubA()
	unsubA()
	st.Apply(rec("x", types.StatusFailed, ""))

	if a != 1 {
		t.Errorf("unsubscribed: got %d calls, want 1", a)
	}
	if b != 2 {
		t.Errorf("still subscribed: got %d calls, want 2", b)
	}
}

func TestRetain_DropsRecordsOutsideTopology(t *testing.T) {
	st := New()
	st.Apply(rec("keep", types.StatusOK, ""), rec("gone", types.StatusOK, ""))
	calls := 0
	st.Subscribe(func(Snapshot) { calls++ })

	if n := st.Retain(sets.New("keep", "new")); n != 1 {
		t.Errorf("Retain: removed %d, want 1", n)
	}
	if _, ok := st.Get("gone"); ok {
		t.Error("gone: still present after Retain")
	}
	if calls != 1 {
		t.Errorf("notifications: got %d, want 1", calls)
	}

	if n := st.Retain(sets.New("keep")); n != 0 {
		t.Errorf("second Retain: removed %d, want 0", n)
	}
	if calls != 1 {
		t.Errorf("no-op Retain notified: got %d calls, want 1", calls)
	}
}

func TestSnapshot_IDsSorted(t *testing.T) {
	st := New()
	st.Apply(rec("c", 0, ""), rec("a", 0, ""), rec("b", 0, ""))
	ids := st.Snapshot().IDs()
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Errorf("IDs: got %v", ids)
	}
}

func TestConcurrentApplies(t *testing.T) {
	st := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			st.Apply(rec("concurrent", types.StatusOK, ""))
		}()
		go func() {
			defer wg.Done()
			st.Snapshot().Records()
		}()
	}
	wg.Wait()

	if st.Count() != 1 {
		t.Errorf("Count after concurrent applies: got %d, want 1", st.Count())
	}
	if v := st.Snapshot().Version(); v != 100 {
		t.Errorf("Version: got %d, want 100", v)
	}
}

func TestSubscribers_SeeVersionsInOrder(t *testing.T) {
	st := New()
	st.Apply(rec("a", types.StatusOK, ""), rec("b", types.StatusOK, ""))

	var (
		mu       sync.Mutex
		last     uint64
		reorders int
	)
	st.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.Version() < last {
			reorders++
		}
		last = s.Version()
	})

	keep := sets.New("a")
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			st.Apply(rec("a", types.StatusFailed, ""))
		}()
		go func() {
			defer wg.Done()
			st.Retain(keep)
			st.Apply(rec("b", types.StatusOK, ""))
		}()
	}
	wg.Wait()

	if reorders != 0 {
		t.Errorf("out-of-order notifications: got %d, want 0", reorders)
	}
	if last != st.Snapshot().Version() {
		t.Errorf("last notified version: got %d, want %d", last, st.Snapshot().Version())
	}
}
