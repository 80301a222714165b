package upgrade

import (
	"context"
	"sync/atomic"
	"testing"
)

func resetGlobal(t *testing.T) {
	t.Helper()
	drop := func() {
		globalMu.Lock()
		d := global
		global = nil
		globalMu.Unlock()
		if d != nil {
			d.Cancel()
		}
	}
	drop()
	t.Cleanup(drop)
}

func TestGlobal_StartIsIdempotent(t *testing.T) {
	resetGlobal(t)

	var first, second atomic.Int32
	d1 := Start(testOptions(newFakeClock()), func() { first.Add(1) })
	d2 := Start(testOptions(newFakeClock()), func() { second.Add(1) })
	if d1 != d2 {
		t.Fatal("second Start created a new detector")
	}
	if Active() != d1 {
		t.Fatal("Active does not return the started detector")
	}
}

func TestGlobal_NoDetector(t *testing.T) {
	resetGlobal(t)
	TriggerCheck(context.Background(), true)
	CancelDetector()
	if Active() != nil {
		t.Fatal("no detector expected")
	}
}

func TestGlobal_SubscribeAndTrigger(t *testing.T) {
	resetGlobal(t)

	opts := testOptions(newFakeClock())
	opts.FetchHash = func(context.Context) (string, error) { return "def", nil }

	var calls atomic.Int32
	flag := SubscribeUpgrade(func() { calls.Add(1) })
	defer flag.Unsubscribe()

	d := Start(opts, nil)
	if d.Bus() != defaultBus {
		t.Fatal("global detector should publish on the default bus")
	}

	TriggerCheck(context.Background(), false)
	if flag.HasNewVersion() {
		t.Fatal("local check alone should not see the deploy")
	}
	TriggerCheck(context.Background(), true)
	if !flag.HasNewVersion() || calls.Load() != 1 {
		t.Fatalf("flag=%v calls=%d", flag.HasNewVersion(), calls.Load())
	}
}

func TestGlobal_CancelKeepsSlot(t *testing.T) {
	resetGlobal(t)

	d := Start(testOptions(newFakeClock()), nil)
	CancelDetector()
	CancelDetector()
	if d.State() != StateCancelled {
		t.Fatalf("state: got %s", d.State())
	}
	if again := Start(testOptions(newFakeClock()), nil); again != d {
		t.Fatal("Start after cancel should return the cancelled detector")
	}
}
