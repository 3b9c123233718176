package job

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStateTransitions(t *testing.T) {
	j := New("j1", "/tmp/a.wav", "/tmp/out", PriorityNormal)
	if got := j.State(); got != StatePending {
		t.Fatalf("new job state = %q, want %q", got, StatePending)
	}

	j.SetState(StateAdmitted)
	j.SetState(StateRunning)
	if j.StartedAt().IsZero() {
		t.Error("StartedAt not set on Running transition")
	}

	j.SetState(StateCancelled)
	if got := j.State(); got != StateCancelled {
		t.Fatalf("state = %q, want %q", got, StateCancelled)
	}
	if j.FinishedAt().IsZero() {
		t.Error("FinishedAt not set on terminal transition")
	}

	// A terminal state must not be overwritten by a late failure.
	j.SetState(StateFailed)
	if got := j.State(); got != StateCancelled {
		t.Errorf("terminal state overwritten: got %q, want %q", got, StateCancelled)
	}
}

func TestFailKeepsFirstError(t *testing.T) {
	j := New("j1", "a.wav", "out", PriorityNormal)
	first := errors.New("boom")
	j.Fail(first)
	j.Fail(errors.New("later"))
	if !errors.Is(j.Err(), first) {
		t.Errorf("Err() = %v, want first error %v", j.Err(), first)
	}
	if got := j.State(); got != StateFailed {
		t.Errorf("state = %q, want %q", got, StateFailed)
	}
}

func TestProgressNeverRegresses(t *testing.T) {
	j := New("j1", "a.wav", "out", PriorityNormal)
	j.SetProgress(Progress{Stage: StageTranscribing, Percent: 45})
	j.SetProgress(Progress{Stage: StageTranscribing, Percent: 30, Message: "retry"})

	p := j.Progress()
	if p.Percent != 45 {
		t.Errorf("percent regressed to %v, want 45", p.Percent)
	}
	if p.Message != "retry" {
		t.Errorf("message = %q, want %q", p.Message, "retry")
	}
}

func TestSnapshotCarriesError(t *testing.T) {
	j := New("j1", "a.wav", "out", PriorityHigh)
	j.Fail(errors.New("no speech segments produced"))

	snap := j.Snapshot()
	if snap.Priority != "high" {
		t.Errorf("priority = %q, want %q", snap.Priority, "high")
	}
	if snap.Error != "no speech segments produced" {
		t.Errorf("error = %q", snap.Error)
	}
}

func TestQueuePriorityOrder(t *testing.T) {
	q := NewQueue()
	q.Enqueue(New("low", "a", "o", PriorityLow))
	q.Enqueue(New("norm1", "a", "o", PriorityNormal))
	q.Enqueue(New("crit", "a", "o", PriorityCritical))
	q.Enqueue(New("norm2", "a", "o", PriorityNormal))

	want := []string{"crit", "norm1", "norm2", "low"}
	for _, id := range want {
		j, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if j.ID != id {
			t.Fatalf("dequeued %q, want %q", j.ID, id)
		}
	}
	if q.Len() != 0 {
		t.Errorf("queue not drained: %d left", q.Len())
	}
}

func TestQueuePushFront(t *testing.T) {
	q := NewQueue()
	q.Enqueue(New("a", "a", "o", PriorityNormal))
	q.Enqueue(New("b", "a", "o", PriorityNormal))

	j, _ := q.Dequeue(context.Background())
	if j.ID != "a" {
		t.Fatalf("dequeued %q, want a", j.ID)
	}
	q.PushFront(j)

	j, _ = q.Dequeue(context.Background())
	if j.ID != "a" {
		t.Errorf("after PushFront dequeued %q, want a", j.ID)
	}
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue()
	done := make(chan *Job, 1)
	go func() {
		j, err := q.Dequeue(context.Background())
		if err != nil {
			t.Errorf("Dequeue: %v", err)
		}
		done <- j
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(New("late", "a", "o", PriorityLow))

	select {
	case j := <-done:
		if j.ID != "late" {
			t.Errorf("dequeued %q, want late", j.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not wake after Enqueue")
	}
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Dequeue err = %v, want deadline exceeded", err)
	}
}

func TestQueueRemove(t *testing.T) {
	q := NewQueue()
	q.Enqueue(New("a", "a", "o", PriorityNormal))
	q.Enqueue(New("b", "a", "o", PriorityNormal))

	if j := q.Remove("a"); j == nil || j.ID != "a" {
		t.Fatalf("Remove(a) = %v", j)
	}
	if j := q.Remove("a"); j != nil {
		t.Errorf("second Remove(a) = %v, want nil", j)
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}

func TestParsePriority(t *testing.T) {
	cases := []struct {
		in   string
		want Priority
	}{
		{"critical", PriorityCritical},
		{"high", PriorityHigh},
		{"normal", PriorityNormal},
		{"", PriorityNormal},
		{"low", PriorityLow},
	}
	for _, tc := range cases {
		got, err := ParsePriority(tc.in)
		if err != nil {
			t.Errorf("ParsePriority(%q): unexpected error %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("ParsePriority(\"urgent\") did not fail")
	}
}
