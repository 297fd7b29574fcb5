package dispatch

import (
	"sync"
	"testing"
)

type recorded struct {
	name, channel string
	data          string
}

func TestBindDeliversToNamedCallbackOnly(t *testing.T) {
	t.Parallel()

	r := New(nil)
	var got []recorded
	r.Bind("message", func(name, channel string, data []byte) {
		got = append(got, recorded{name, channel, string(data)})
	})

	r.Dispatch("message", "chat", []byte(`"hi"`))
	r.Dispatch("other", "chat", []byte(`"ignored"`))

	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	if got[0] != (recorded{"message", "chat", `"hi"`}) {
		t.Fatalf("unexpected delivery: %+v", got[0])
	}
}

func TestBindPreservesRegistrationOrder(t *testing.T) {
	t.Parallel()

	r := New(nil)
	var order []int
	r.Bind("message", func(_, _ string, _ []byte) { order = append(order, 1) })
	r.Bind("message", func(_, _ string, _ []byte) { order = append(order, 2) })
	r.Bind("message", func(_, _ string, _ []byte) { order = append(order, 3) })

	r.Dispatch("message", "chat", nil)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected callbacks invoked in registration order, got %v", order)
	}
}

func TestNamedCallbacksRunBeforeGlobalCallbacks(t *testing.T) {
	t.Parallel()

	r := New(nil)
	var order []string
	r.BindGlobal(func(_, _ string, _ []byte) { order = append(order, "global") })
	r.Bind("message", func(_, _ string, _ []byte) { order = append(order, "named") })

	r.Dispatch("message", "chat", nil)

	if len(order) != 2 || order[0] != "named" || order[1] != "global" {
		t.Fatalf("expected named before global, got %v", order)
	}
}

func TestGlobalCallbackReceivesEventName(t *testing.T) {
	t.Parallel()

	r := New(nil)
	var gotNames []string
	r.BindGlobal(func(name, _ string, _ []byte) { gotNames = append(gotNames, name) })

	r.Dispatch("message", "chat", nil)
	r.Dispatch("error", "", nil)

	if len(gotNames) != 2 || gotNames[0] != "message" || gotNames[1] != "error" {
		t.Fatalf("expected global callback to distinguish event names, got %v", gotNames)
	}
}

func TestUnbindRemovesOnlyNamedCallbacks(t *testing.T) {
	t.Parallel()

	r := New(nil)
	var namedCalled, globalCalled bool
	r.Bind("message", func(_, _ string, _ []byte) { namedCalled = true })
	r.BindGlobal(func(_, _ string, _ []byte) { globalCalled = true })

	r.Unbind("message")
	r.Dispatch("message", "chat", nil)

	if namedCalled {
		t.Fatal("expected named callback to be removed by Unbind")
	}
	if !globalCalled {
		t.Fatal("expected global callback to remain after Unbind")
	}
}

func TestUnbindGlobalRemovesOnlyGlobalCallbacks(t *testing.T) {
	t.Parallel()

	r := New(nil)
	var namedCalled, globalCalled bool
	r.Bind("message", func(_, _ string, _ []byte) { namedCalled = true })
	r.BindGlobal(func(_, _ string, _ []byte) { globalCalled = true })

	r.UnbindGlobal()
	r.Dispatch("message", "chat", nil)

	if !namedCalled {
		t.Fatal("expected named callback to remain after UnbindGlobal")
	}
	if globalCalled {
		t.Fatal("expected global callback to be removed by UnbindGlobal")
	}
}

func TestUnbindAllRemovesEverything(t *testing.T) {
	t.Parallel()

	r := New(nil)
	var called bool
	r.Bind("message", func(_, _ string, _ []byte) { called = true })
	r.BindGlobal(func(_, _ string, _ []byte) { called = true })

	r.UnbindAll()
	r.Dispatch("message", "chat", nil)

	if called {
		t.Fatal("expected no callback to run after UnbindAll")
	}
}

func TestPanicInCallbackDoesNotStopSubsequentCallbacks(t *testing.T) {
	t.Parallel()

	r := New(nil)
	var second, global bool
	r.Bind("message", func(_, _ string, _ []byte) { panic("boom") })
	r.Bind("message", func(_, _ string, _ []byte) { second = true })
	r.BindGlobal(func(_, _ string, _ []byte) { global = true })

	r.Dispatch("message", "chat", nil)

	if !second {
		t.Fatal("expected the second named callback to run despite the first panicking")
	}
	if !global {
		t.Fatal("expected the global callback to run despite a named callback panicking")
	}
}

func TestPanicDoesNotSuppressLaterDispatches(t *testing.T) {
	t.Parallel()

	r := New(nil)
	calls := 0
	r.Bind("message", func(_, _ string, _ []byte) {
		calls++
		if calls == 1 {
			panic("boom")
		}
	})

	r.Dispatch("message", "chat", nil)
	r.Dispatch("message", "chat", nil)

	if calls != 2 {
		t.Fatalf("expected both dispatches to invoke the callback, got %d calls", calls)
	}
}

func TestReentrantBindDuringDispatchDoesNotDeadlockOrRaceRegistration(t *testing.T) {
	t.Parallel()

	r := New(nil)
	var mu sync.Mutex
	var reentrantRan bool
	r.Bind("message", func(_, _ string, _ []byte) {
		r.Bind("message", func(_, _ string, _ []byte) {
			mu.Lock()
			reentrantRan = true
			mu.Unlock()
		})
	})

	r.Dispatch("message", "chat", nil)
	r.Dispatch("message", "chat", nil)

	mu.Lock()
	defer mu.Unlock()
	if !reentrantRan {
		t.Fatal("expected a callback bound during dispatch to run on a later dispatch")
	}
}

func TestDispatchSnapshotsCallbacksSoUnbindDuringDispatchDoesNotSkipSiblings(t *testing.T) {
	t.Parallel()

	r := New(nil)
	var ran []int
	r.Bind("message", func(_, _ string, _ []byte) {
		ran = append(ran, 1)
		r.Unbind("message")
	})
	r.Bind("message", func(_, _ string, _ []byte) {
		ran = append(ran, 2)
	})

	r.Dispatch("message", "chat", nil)

	if len(ran) != 2 {
		t.Fatalf("expected both callbacks from the snapshot to run, got %v", ran)
	}
}
