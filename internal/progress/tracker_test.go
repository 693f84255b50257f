package progress

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestTracker_Lifecycle(t *testing.T) {
	tr := New(time.Hour)
	id := tr.Create("catalog", map[string]string{"mode": "full"})

	got, err := tr.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending || got.Params["mode"] != "full" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}

	if err := tr.Start(id); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tr.Start(id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second start must fail, got %v", err)
	}
	if err := tr.UpdateProgress(id, 40, 400, 1000, "fetching products", "batch 1"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tr.Complete(id, map[string]int{"created": 3}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := tr.Fail(id, errors.New("late"), nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("fail after complete must be rejected, got %v", err)
	}

	got, _ = tr.Get(id)
	if got.Status != StatusCompleted || got.Progress != 100 || got.Error != "" {
		t.Fatalf("unexpected terminal snapshot: %+v", got)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatal("timestamps not set")
	}
	if got.Step != "fetching products" || len(got.Log) != 1 {
		t.Fatalf("step/log lost: %+v", got)
	}
}

func TestTracker_ProgressMonotonicAndCapped(t *testing.T) {
	tr := New(0)
	id := tr.Create("stock", nil)
	_ = tr.Start(id)

	var seen []int
	for _, p := range []int{10, 5, 50, 120, 30} {
		if err := tr.UpdateProgress(id, p, 0, 0, "", ""); err != nil {
			t.Fatalf("update: %v", err)
		}
		snap, _ := tr.Get(id)
		seen = append(seen, snap.Progress)
	}
	want := []int{10, 10, 50, 99, 99}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("progress sequence = %v, want %v", seen, want)
		}
	}

	_ = tr.Fail(id, errors.New("erp down"), nil)
	snap, _ := tr.Get(id)
	if snap.Progress == 100 {
		t.Fatal("failed task must not report 100")
	}
	if snap.Error != "erp down" {
		t.Fatalf("error = %q", snap.Error)
	}
}

func TestTracker_LogRing(t *testing.T) {
	tr := New(time.Hour)
	id := tr.Create("sales", nil)
	_ = tr.Start(id)
	for i := 0; i < MaxLogEntries+25; i++ {
		_ = tr.Log(id, fmt.Sprintf("line %d", i))
	}
	snap, _ := tr.Get(id)
	if len(snap.Log) != MaxLogEntries {
		t.Fatalf("log length = %d", len(snap.Log))
	}
	if snap.Log[0].Message != "line 25" || snap.Log[MaxLogEntries-1].Message != fmt.Sprintf("line %d", MaxLogEntries+24) {
		t.Fatalf("ring order wrong: first=%q last=%q", snap.Log[0].Message, snap.Log[MaxLogEntries-1].Message)
	}

	// snapshots are copies
	snap.Log[0].Message = "mutated"
	again, _ := tr.Get(id)
	if again.Log[0].Message == "mutated" {
		t.Fatal("snapshot shares memory with tracker")
	}
}

func TestTracker_NotFound(t *testing.T) {
	tr := New(time.Hour)
	if _, err := tr.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := tr.Start("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTracker_Sweep(t *testing.T) {
	tr := New(24 * time.Hour)
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }

	done := tr.Create("catalog", nil)
	_ = tr.Start(done)
	_ = tr.Complete(done, nil)
	running := tr.Create("stock", nil)
	_ = tr.Start(running)
	failed := tr.Create("sales", nil)
	_ = tr.Fail(failed, errors.New("boom"), nil)

	if n := tr.Sweep(base.Add(23 * time.Hour)); n != 0 {
		t.Fatalf("swept %d before retention elapsed", n)
	}
	if n := tr.Sweep(base.Add(25 * time.Hour)); n != 2 {
		t.Fatalf("swept %d, want 2", n)
	}
	if _, err := tr.Get(done); !errors.Is(err, ErrNotFound) {
		t.Fatal("completed task should be gone")
	}
	if _, err := tr.Get(running); err != nil {
		t.Fatal("running task must survive sweep")
	}
}

func TestTracker_List(t *testing.T) {
	tr := New(time.Hour)
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	tr.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}
	first := tr.Create("catalog", nil)
	second := tr.Create("stock", nil)

	list := tr.List()
	if len(list) != 2 || list[0].ID != second || list[1].ID != first {
		t.Fatalf("list not newest first: %+v", list)
	}
}

func TestTracker_ConcurrentAccess(t *testing.T) {
	tr := New(time.Hour)
	id := tr.Create("catalog", nil)
	_ = tr.Start(id)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = tr.UpdateProgress(id, i, i, 100, "step", fmt.Sprintf("w%d-%d", w, i))
				_, _ = tr.Get(id)
				_ = tr.List()
			}
		}(w)
	}
	wg.Wait()

	snap, _ := tr.Get(id)
	if snap.Progress != 99 {
		t.Fatalf("progress = %d, want 99", snap.Progress)
	}
}
