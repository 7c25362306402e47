// Package schedule triggers jobs on cron schedules for serve mode.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Parser parses standard 5-field cron expressions and descriptors such as
// "@daily" or "@every 1h".
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Entry is one scheduled job.
type Entry struct {
	Name string
	Spec string
	Run  func(ctx context.Context)
}

// Info describes a registered entry.
type Info struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

// Scheduler runs Entries on their schedules.  A trigger that fires while
// the previous run of the same entry is still going is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
	specs   map[string]string
}

// New creates a Scheduler.  Times are evaluated in loc; nil means local
// time.
func New(logger *slog.Logger, loc *time.Location) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if loc == nil {
		loc = time.Local
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
		specs:   make(map[string]string),
	}
}

// Add registers e.  Names must be unique.
func (s *Scheduler) Add(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.Name]; ok {
		return fmt.Errorf("schedule %q already registered", e.Name)
	}

	id, err := s.cron.AddFunc(e.Spec, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		triggerID := uuid.NewString()
		log := s.logger.With(slog.String("schedule", e.Name), slog.String("trigger_id", triggerID))
		log.Info("schedule triggered")
		start := time.Now()
		e.Run(ctx)
		log.Info("schedule run finished", slog.Duration("duration", time.Since(start)))
	})
	if err != nil {
		return fmt.Errorf("schedule %q: parsing %q: %w", e.Name, e.Spec, err)
	}

	s.entries[e.Name] = id
	s.specs[e.Name] = e.Spec
	s.logger.Info("schedule registered",
		slog.String("schedule", e.Name),
		slog.String("cron", e.Spec),
	)
	return nil
}

// Start begins triggering entries in the background.  Runs receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop stops triggering new runs and waits for running ones to finish or
// for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduled runs: %w", ctx.Err())
	}
}

// Len returns the number of registered entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries describes the registered entries, sorted by name.
func (s *Scheduler) Entries() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Info, 0, len(s.entries))
	for name, id := range s.entries {
		ce := s.cron.Entry(id)
		out = append(out, Info{Name: name, Spec: s.specs[name], Next: ce.Next, Prev: ce.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
