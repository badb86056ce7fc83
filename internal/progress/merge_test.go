package progress

import (
	"math"
	"testing"
	"time"
)

func TestMergePrefersNewerRecord(t *testing.T) {
	now := time.Now()
	local := &Record{VideoID: "v1", LastPosition: 30, Duration: 100, UpdatedAt: now}
	server := &Record{VideoID: "v1", LastPosition: 20, Duration: 100, UpdatedAt: now.Add(-time.Minute)}

	got := Merge(local, server)
	if got.LastPosition != 30 {
		t.Errorf("expected local position to win, got %v", got.LastPosition)
	}

	server.UpdatedAt = now.Add(time.Minute)
	got = Merge(local, server)
	if got.LastPosition != 20 {
		t.Errorf("expected server position to win, got %v", got.LastPosition)
	}
}

func TestMergeNeverDropsCompletion(t *testing.T) {
	now := time.Now()
	local := &Record{VideoID: "v1", LastPosition: 10, Completed: false, UpdatedAt: now}
	server := &Record{VideoID: "v1", LastPosition: 99, Completed: true, UpdatedAt: now.Add(-time.Hour)}

	if got := Merge(local, server); !got.Completed {
		t.Error("expected completion to be kept")
	}
}

func TestMergeNilSides(t *testing.T) {
	if Merge(nil, nil) != nil {
		t.Error("expected nil for nil inputs")
	}
	server := &Record{VideoID: "v1"}
	got := Merge(nil, server)
	if got == nil || got == server {
		t.Error("expected a copy of the server record")
	}
}

func TestOptimisticRollbackRestoresSnapshot(t *testing.T) {
	o := NewOptimistic(Record{VideoID: "v1", LastPosition: 10})

	o.Apply(Record{VideoID: "v1", LastPosition: 20})
	o.Apply(Record{VideoID: "v1", LastPosition: 30, Completed: true})
	if o.Get().LastPosition != 30 {
		t.Fatalf("expected optimistic value, got %+v", o.Get())
	}

	o.Rollback()
	if got := o.Get(); got.LastPosition != 10 || got.Completed {
		t.Errorf("expected snapshot restored, got %+v", got)
	}
}

func TestOptimisticConfirmAndKeep(t *testing.T) {
	o := NewOptimistic(1)
	o.Apply(2)
	o.Confirm(3)
	o.Rollback()
	if o.Get() != 3 {
		t.Errorf("expected confirmed value to survive rollback, got %d", o.Get())
	}

	o.Apply(4)
	o.Keep()
	o.Rollback()
	if o.Get() != 4 {
		t.Errorf("expected kept value, got %d", o.Get())
	}
}

func TestNormalize(t *testing.T) {
	for _, v := range []float64{-1, math.Inf(1), math.Inf(-1), math.NaN()} {
		if Normalize(v) != 0 {
			t.Errorf("Normalize(%v) = %v, want 0", v, Normalize(v))
		}
	}
	if Normalize(12.5) != 12.5 {
		t.Error("expected finite positive value to pass through")
	}
}
