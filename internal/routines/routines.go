package routines

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

const (
	defaultTickInterval = 30 * time.Second
	defaultMaxHistory   = 20
)

// Kind says how a routine's schedule string is interpreted.
type Kind string

const (
	KindCron  Kind = "cron"  // standard cron expression
	KindEvery Kind = "every" // fixed interval, e.g. "every 30m"
)

// RunRecord is one completed tick.
type RunRecord struct {
	Start      time.Time `json:"start"`
	DurationMS int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// Routine is a scheduled prompt owned by one bot.
type Routine struct {
	ID       string      `json:"id"`
	BotID    string      `json:"bot_id"`
	Name     string      `json:"name"`
	Kind     Kind        `json:"kind"`
	Schedule string      `json:"schedule"`
	Prompt   string      `json:"prompt"`
	Disabled bool        `json:"disabled"`
	LastRun  time.Time   `json:"last_run,omitempty"`
	History  []RunRecord `json:"history,omitempty"`
	Created  time.Time   `json:"created"`
}

// interval returns the parsed duration for every-kind routines.
func (r *Routine) interval() (time.Duration, error) {
	spec := strings.TrimSpace(strings.TrimPrefix(r.Schedule, "every"))
	return time.ParseDuration(spec)
}

// successRate over recorded history; 1.0 when empty.
func (r *Routine) successRate() float64 {
	if len(r.History) == 0 {
		return 1.0
	}
	ok := 0
	for _, rec := range r.History {
		if rec.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(r.History))
}

// RunnerFunc executes one routine tick for a bot and returns its outcome.
type RunnerFunc func(ctx context.Context, botID, routineID, prompt string) error

// MistakeFunc records a low-success observation against a bot's memory.
type MistakeFunc func(ctx context.Context, botID, content string)

// Service owns routine records, evaluates their schedules, and drives ticks
// through the agent runner. Ticks are serial per bot, concurrent across bots.
type Service struct {
	path         string
	tickInterval time.Duration
	maxHistory   int
	runner       RunnerFunc
	mistake      MistakeFunc
	cron         *gronx.Gronx

	mu       sync.Mutex
	routines map[string]*Routine // id → routine
	botLocks map[string]*sync.Mutex
}

func NewService(path string, tickInterval time.Duration, maxHistory int, runner RunnerFunc, mistake MistakeFunc) (*Service, error) {
	if tickInterval <= 0 {
		tickInterval = defaultTickInterval
	}
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	s := &Service{
		path:         path,
		tickInterval: tickInterval,
		maxHistory:   maxHistory,
		runner:       runner,
		mistake:      mistake,
		cron:         gronx.New(),
		routines:     make(map[string]*Routine),
		botLocks:     make(map[string]*sync.Mutex),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("routines: read %s: %w", s.path, err)
	}
	var list []*Routine
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("routines: parse %s: %w", s.path, err)
	}
	for _, r := range list {
		s.routines[r.ID] = r
	}
	return nil
}

// persist writes all routines atomically. Caller holds s.mu.
func (s *Service) persist() error {
	list := make([]*Routine, 0, len(s.routines))
	for _, r := range s.routines {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Created.Before(list[j].Created) })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Add registers a routine. Cron expressions are validated; "every" intervals
// must parse as a duration.
func (s *Service) AddRoutine(botID, name, schedule, prompt string) (string, error) {
	kind := KindCron
	if strings.HasPrefix(strings.TrimSpace(schedule), "every") {
		kind = KindEvery
	}

	r := &Routine{
		ID:       uuid.NewString()[:8],
		BotID:    botID,
		Name:     name,
		Kind:     kind,
		Schedule: schedule,
		Prompt:   prompt,
		Created:  time.Now().UTC(),
	}

	switch kind {
	case KindEvery:
		if _, err := r.interval(); err != nil {
			return "", fmt.Errorf("routines: bad interval %q: %w", schedule, err)
		}
	case KindCron:
		if !s.cron.IsValid(schedule) {
			return "", fmt.Errorf("routines: invalid cron expression %q", schedule)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.routines[r.ID] = r
	if err := s.persist(); err != nil {
		delete(s.routines, r.ID)
		return "", err
	}
	slog.Info("routines: added", "routine", r.ID, "bot", botID, "kind", kind, "schedule", schedule)
	return r.ID, nil
}

func (s *Service) RemoveRoutine(botID, routineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.ownedLocked(botID, routineID)
	if err != nil {
		return err
	}
	delete(s.routines, r.ID)
	return s.persist()
}

// EnableRoutine toggles a routine. Disabling keeps the record.
func (s *Service) EnableRoutine(botID, routineID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.ownedLocked(botID, routineID)
	if err != nil {
		return err
	}
	r.Disabled = !enabled
	return s.persist()
}

// TriggerNow bypasses the schedule and runs the routine in the background.
func (s *Service) TriggerNow(botID, routineID string) error {
	s.mu.Lock()
	r, err := s.ownedLocked(botID, routineID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	go s.tick(context.Background(), r)
	return nil
}

func (s *Service) ListRoutines(botID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []*Routine
	for _, r := range s.routines {
		if r.BotID == botID {
			list = append(list, r)
		}
	}
	if len(list) == 0 {
		return "No routines scheduled."
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Created.Before(list[j].Created) })

	var b strings.Builder
	for _, r := range list {
		state := "enabled"
		if r.Disabled {
			state = "disabled"
		}
		fmt.Fprintf(&b, "- [%s] %s (%s, %s, success %.0f%%)\n",
			r.ID, r.Name, r.Schedule, state, r.successRate()*100)
	}
	return b.String()
}

// Routines returns copies of all records, for inspection.
func (s *Service) Routines() []Routine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Routine, 0, len(s.routines))
	for _, r := range s.routines {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

func (s *Service) ownedLocked(botID, routineID string) (*Routine, error) {
	r, ok := s.routines[routineID]
	if !ok {
		return nil, fmt.Errorf("routines: unknown routine %q", routineID)
	}
	if r.BotID != botID {
		return nil, fmt.Errorf("routines: %q belongs to another bot", routineID)
	}
	return r, nil
}

// Run polls schedules until ctx is cancelled. Blocks.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, r := range s.due(now) {
				go s.tick(ctx, r)
			}
		}
	}
}

// due collects enabled routines whose schedule fires at now. Selected
// routines get their LastRun stamped immediately so a tick that outlives the
// poll interval is not dispatched again while still running.
func (s *Service) due(now time.Time) []*Routine {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Routine
	for _, r := range s.routines {
		if r.Disabled {
			continue
		}
		switch r.Kind {
		case KindEvery:
			iv, err := r.interval()
			if err != nil {
				continue
			}
			if now.Sub(r.LastRun) >= iv {
				r.LastRun = now.UTC()
				out = append(out, r)
			}
		case KindCron:
			ok, err := s.cron.IsDue(r.Schedule, now)
			if err == nil && ok && now.Sub(r.LastRun) >= time.Minute {
				r.LastRun = now.UTC()
				out = append(out, r)
			}
		}
	}
	return out
}

// tick runs one routine through the agent runner, serially per bot, and
// records the outcome.
func (s *Service) tick(ctx context.Context, r *Routine) {
	lock := s.botLock(r.BotID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	err := s.runner(ctx, r.BotID, r.ID, r.Prompt)
	record := RunRecord{
		Start:      start.UTC(),
		DurationMS: time.Since(start).Milliseconds(),
		Success:    err == nil,
	}
	if err != nil {
		record.Error = err.Error()
		slog.Warn("routines: tick failed", "routine", r.ID, "bot", r.BotID, "error", err)
	}

	s.mu.Lock()
	r.LastRun = start.UTC()
	r.History = append(r.History, record)
	if len(r.History) > s.maxHistory {
		r.History = r.History[len(r.History)-s.maxHistory:]
	}
	rate := r.successRate()
	if err := s.persist(); err != nil {
		slog.Warn("routines: persist failed", "error", err)
	}
	s.mu.Unlock()

	if rate < 0.5 && s.mistake != nil {
		s.mistake(ctx, r.BotID, fmt.Sprintf("routine %q is failing often (success %.0f%%)", r.Name, rate*100))
	}
}

func (s *Service) botLock(botID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.botLocks[botID]
	if !ok {
		lock = &sync.Mutex{}
		s.botLocks[botID] = lock
	}
	return lock
}
