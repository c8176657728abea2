package notify

import (
	"sync"
	"testing"
)

func TestEmitter_FanOut(t *testing.T) {
	var e Emitter[int]
	var a, b []int
	e.Subscribe(func(v int) { a = append(a, v) })
	e.Subscribe(func(v int) { b = append(b, v) })

	e.Emit(1)
	e.Emit(2)

	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("deliveries: got a=%v b=%v, want two each", a, b)
	}
	if a[1] != 2 || b[1] != 2 {
		t.Errorf("last value: got a=%d b=%d, want 2", a[1], b[1])
	}
}

func TestEmitter_UnsubscribeIsIndependentAndIdempotent(t *testing.T) {
	var e Emitter[string]
	var gotA, gotB int
	unsubA := e.Subscribe(func(string) { gotA++ })
	e.Subscribe(func(string) { gotB++ })

	unsubA()
	unsubA() // second call must be a no-op

	e.Emit("x")
	if gotA != 0 {
		t.Errorf("unsubscribed callback: got %d calls, want 0", gotA)
	}
	if gotB != 1 {
		t.Errorf("remaining callback: got %d calls, want 1", gotB)
	}
	if n := e.Len(); n != 1 {
		t.Errorf("Len: got %d, want 1", n)
	}
}

func TestEmitter_UnsubscribeFromCallback(t *testing.T) {
	var e Emitter[int]
	calls := 0
	var unsub func()
	unsub = e.Subscribe(func(int) {
		calls++
		unsub()
	})
	e.Emit(1)
	e.Emit(2)
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestEmitter_SubscriptionOrder(t *testing.T) {
	var e Emitter[int]
	var order []string
	e.Subscribe(func(int) { order = append(order, "first") })
	e.Subscribe(func(int) { order = append(order, "second") })
	e.Emit(0)
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order: got %v", order)
	}
}

func TestEmitter_ConcurrentSubscribeEmit(t *testing.T) {
	var e Emitter[int]
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := e.Subscribe(func(int) {})
			unsub()
		}()
		go func(n int) {
			defer wg.Done()
			e.Emit(n)
		}(i)
	}
	wg.Wait()
	if n := e.Len(); n != 0 {
		t.Errorf("Len after all unsubscribed: got %d, want 0", n)
	}
}
