package dispatch

import (
	"sync"
	"testing"
)

func TestLimiterAcquireRelease(t *testing.T) {
	l := newRunLimiter()
	l.setLimit("RUN-1", 2)

	if !l.acquire("RUN-1") {
		t.Fatal("first acquire should succeed")
	}
	if !l.acquire("RUN-1") {
		t.Fatal("second acquire should succeed")
	}
	if l.acquire("RUN-1") {
		t.Fatal("third acquire must fail at limit 2")
	}

	l.release("RUN-1")
	if !l.acquire("RUN-1") {
		t.Fatal("acquire after release should succeed")
	}
}

func TestLimiterUnknownRun(t *testing.T) {
	l := newRunLimiter()
	if l.acquire("RUN-unknown") {
		t.Fatal("acquire without a registered limit must fail")
	}
	if l.hasLimit("RUN-unknown") {
		t.Fatal("unknown run should have no limit")
	}
}

func TestLimiterClampsLimit(t *testing.T) {
	l := newRunLimiter()
	l.setLimit("RUN-1", 0)
	if !l.acquire("RUN-1") {
		t.Fatal("limit 0 clamps to 1; one acquire should succeed")
	}
	if l.acquire("RUN-1") {
		t.Fatal("second acquire must fail after clamping to 1")
	}
}

func TestLimiterAtCapacity(t *testing.T) {
	l := newRunLimiter()
	l.setLimit("RUN-full", 1)
	l.setLimit("RUN-free", 2)

	l.acquire("RUN-full")
	l.acquire("RUN-free")

	full := l.atCapacity()
	if len(full) != 1 || full[0] != "RUN-full" {
		t.Fatalf("expected only RUN-full at capacity, got %v", full)
	}

	l.release("RUN-full")
	if got := l.atCapacity(); len(got) != 0 {
		t.Fatalf("expected no runs at capacity, got %v", got)
	}
}

func TestLimiterForget(t *testing.T) {
	l := newRunLimiter()
	l.setLimit("RUN-1", 1)
	l.acquire("RUN-1")

	l.forget("RUN-1")
	if l.hasLimit("RUN-1") {
		t.Fatal("forgotten run should have no limit")
	}
	if l.inFlightFor("RUN-1") != 0 {
		t.Fatal("forgotten run should have no in-flight count")
	}
}

func TestLimiterConcurrentAccounting(t *testing.T) {
	l := newRunLimiter()
	l.setLimit("RUN-1", 5)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.acquire("RUN-1") {
				l.release("RUN-1")
			}
		}()
	}
	wg.Wait()

	if got := l.inFlightFor("RUN-1"); got != 0 {
		t.Fatalf("expected 0 in flight after all releases, got %d", got)
	}
}
