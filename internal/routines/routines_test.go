package routines

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestService(t *testing.T, runner RunnerFunc, mistake MistakeFunc) *Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routines.json")
	s, err := NewService(path, time.Hour, 5, runner, mistake)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

func TestAddRoutineValidatesSchedule(t *testing.T) {
	s := newTestService(t, nil, nil)

	if _, err := s.AddRoutine("ana", "standup", "0 9 * * *", "post the standup"); err != nil {
		t.Fatalf("valid cron rejected: %v", err)
	}
	if _, err := s.AddRoutine("ana", "poll", "every 30m", "check the queue"); err != nil {
		t.Fatalf("valid interval rejected: %v", err)
	}
	if _, err := s.AddRoutine("ana", "bad", "not a schedule", "x"); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
	if _, err := s.AddRoutine("ana", "bad", "every soon", "x"); err == nil {
		t.Fatal("expected error for unparseable interval")
	}
}

func TestRoutinePersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routines.json")
	s, err := NewService(path, time.Hour, 5, nil, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	id, err := s.AddRoutine("ana", "standup", "every 1h", "post the standup")
	if err != nil {
		t.Fatalf("AddRoutine: %v", err)
	}

	reloaded, err := NewService(path, time.Hour, 5, nil, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	list := reloaded.Routines()
	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("expected 1 routine %s after reload, got %+v", id, list)
	}
}

func TestOwnershipEnforced(t *testing.T) {
	s := newTestService(t, nil, nil)
	id, _ := s.AddRoutine("ana", "standup", "every 1h", "x")

	if err := s.RemoveRoutine("bob", id); err == nil {
		t.Fatal("expected error removing another bot's routine")
	}
	if err := s.EnableRoutine("bob", id, false); err == nil {
		t.Fatal("expected error toggling another bot's routine")
	}
	if err := s.RemoveRoutine("ana", id); err != nil {
		t.Fatalf("owner remove: %v", err)
	}
	if err := s.RemoveRoutine("ana", id); err == nil {
		t.Fatal("expected error for unknown routine")
	}
}

func TestDueSkipsDisabledAndRespectsInterval(t *testing.T) {
	s := newTestService(t, nil, nil)
	id, _ := s.AddRoutine("ana", "poll", "every 30m", "x")
	now := time.Now()

	if got := s.due(now); len(got) != 1 {
		t.Fatalf("fresh routine should be due, got %d", len(got))
	}

	s.mu.Lock()
	s.routines[id].LastRun = now.Add(-10 * time.Minute)
	s.mu.Unlock()
	if got := s.due(now); len(got) != 0 {
		t.Fatalf("routine inside its interval should not be due, got %d", len(got))
	}

	s.mu.Lock()
	s.routines[id].LastRun = now.Add(-time.Hour)
	s.mu.Unlock()
	if err := s.EnableRoutine("ana", id, false); err != nil {
		t.Fatalf("EnableRoutine: %v", err)
	}
	if got := s.due(now); len(got) != 0 {
		t.Fatalf("disabled routine should not be due, got %d", len(got))
	}
}

func TestTriggerNowRunsAndRecordsHistory(t *testing.T) {
	var mu sync.Mutex
	var runs []string
	runner := func(ctx context.Context, botID, routineID, prompt string) error {
		mu.Lock()
		runs = append(runs, prompt)
		mu.Unlock()
		return nil
	}
	s := newTestService(t, runner, nil)
	id, _ := s.AddRoutine("ana", "standup", "every 1h", "post the standup")

	if err := s.TriggerNow("ana", id); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(runs)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("runner never invoked")
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		hist := len(s.routines[id].History)
		s.mu.Unlock()
		if hist == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("history never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.mu.Lock()
	rec := s.routines[id].History[0]
	s.mu.Unlock()
	if !rec.Success {
		t.Fatalf("expected successful record, got %+v", rec)
	}
}

func TestHistoryTrimAndMistakeHook(t *testing.T) {
	var mu sync.Mutex
	var mistakes []string
	mistake := func(ctx context.Context, botID, content string) {
		mu.Lock()
		mistakes = append(mistakes, content)
		mu.Unlock()
	}
	failing := func(ctx context.Context, botID, routineID, prompt string) error {
		return os.ErrDeadlineExceeded
	}
	s := newTestService(t, failing, mistake)
	id, _ := s.AddRoutine("ana", "flaky", "every 1h", "x")

	s.mu.Lock()
	r := s.routines[id]
	s.mu.Unlock()
	for i := 0; i < 7; i++ {
		s.tick(context.Background(), r)
	}

	s.mu.Lock()
	hist := len(r.History)
	s.mu.Unlock()
	if hist != 5 {
		t.Fatalf("history should be trimmed to 5, got %d", hist)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(mistakes) == 0 {
		t.Fatal("expected mistake hook to fire for a failing routine")
	}
}

func TestSlowTickRunsOncePerInterval(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	slow := func(ctx context.Context, botID, routineID, prompt string) error {
		mu.Lock()
		runs++
		mu.Unlock()
		time.Sleep(120 * time.Millisecond)
		return nil
	}

	path := filepath.Join(t.TempDir(), "routines.json")
	s, err := NewService(path, 20*time.Millisecond, 5, slow, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := s.AddRoutine("ana", "digest", "every 1h", "x"); err != nil {
		t.Fatalf("AddRoutine: %v", err)
	}

	// The runner outlives several poll intervals; the routine must still be
	// dispatched exactly once.
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	time.Sleep(200 * time.Millisecond)
	cancel()
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Fatalf("slow routine ran %d times in one interval, want 1", runs)
	}
}

func TestListRoutinesFiltersByBot(t *testing.T) {
	s := newTestService(t, nil, nil)
	s.AddRoutine("ana", "standup", "every 1h", "x")
	s.AddRoutine("bob", "digest", "every 2h", "y")

	out := s.ListRoutines("ana")
	if !strings.Contains(out, "standup") || strings.Contains(out, "digest") {
		t.Fatalf("unexpected listing: %q", out)
	}
	if got := s.ListRoutines("carol"); got != "No routines scheduled." {
		t.Fatalf("unexpected empty listing: %q", got)
	}
}
