package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
)

// jobEntry represents a registered job with metadata
type jobEntry struct {
	name        string
	schedule    string
	description string
	handler     func(ctx context.Context) error
	cronID      cron.EntryID
	lastRun     *time.Time
	isRunning   bool
	lastError   string
}

// JobStatus is the reported state of a scheduled job.
type JobStatus struct {
	Name        string     `json:"name"`
	Schedule    string     `json:"schedule"`
	Description string     `json:"description"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	IsRunning   bool       `json:"is_running"`
	LastError   string     `json:"last_error,omitempty"`
}

// Service runs registered maintenance jobs on cron schedules. A job never
// overlaps itself: a tick that fires while the previous run is still going
// is skipped.
type Service struct {
	cron    *cron.Cron
	logger  arbor.ILogger
	ctx     context.Context
	cancel  context.CancelFunc
	jobMu   sync.Mutex // Protects jobs map
	jobs    map[string]*jobEntry
	running bool
}

// NewService creates a new scheduler service
func NewService(logger arbor.ILogger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cron:   cron.New(),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*jobEntry),
	}
}

// RegisterJob adds a job on a standard cron schedule (descriptors such as
// "@every 1m" are accepted).
func (s *Service) RegisterJob(name, schedule, description string, handler func(ctx context.Context) error) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", schedule, name, err)
	}

	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	entry := &jobEntry{
		name:        name,
		schedule:    schedule,
		description: description,
		handler:     handler,
	}
	id, err := s.cron.AddFunc(schedule, func() { s.execute(entry) })
	if err != nil {
		return fmt.Errorf("failed to add cron job %s: %w", name, err)
	}
	entry.cronID = id
	s.jobs[name] = entry

	s.logger.Info().
		Str("job", name).
		Str("schedule", schedule).
		Msg("Scheduled job registered")
	return nil
}

// Start starts the cron runner.
func (s *Service) Start() error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.cron.Start()
	s.running = true
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
	return nil
}

// Stop stops the cron runner and waits for running jobs to return.
func (s *Service) Stop() error {
	s.jobMu.Lock()
	if !s.running {
		s.jobMu.Unlock()
		return nil
	}
	s.running = false
	s.jobMu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// RunNow executes a registered job synchronously.
func (s *Service) RunNow(name string) error {
	s.jobMu.Lock()
	entry, ok := s.jobs[name]
	s.jobMu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not registered", name)
	}
	return s.execute(entry)
}

// GetJobStatuses reports every registered job, sorted by name.
func (s *Service) GetJobStatuses() []JobStatus {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	statuses := make([]JobStatus, 0, len(s.jobs))
	for _, entry := range s.jobs {
		status := JobStatus{
			Name:        entry.name,
			Schedule:    entry.schedule,
			Description: entry.description,
			LastRun:     entry.lastRun,
			IsRunning:   entry.isRunning,
			LastError:   entry.lastError,
		}
		if next := s.cron.Entry(entry.cronID).Next; !next.IsZero() {
			status.NextRun = &next
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

func (s *Service) execute(entry *jobEntry) (err error) {
	s.jobMu.Lock()
	if entry.isRunning {
		s.jobMu.Unlock()
		s.logger.Debug().Str("job", entry.name).Msg("Previous run still in progress, skipping")
		return nil
	}
	entry.isRunning = true
	s.jobMu.Unlock()

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduled job %s panicked: %v", entry.name, r)
		}
		s.jobMu.Lock()
		entry.isRunning = false
		entry.lastRun = &started
		entry.lastError = ""
		if err != nil {
			entry.lastError = err.Error()
		}
		s.jobMu.Unlock()

		if err != nil {
			s.logger.Error().Err(err).Str("job", entry.name).Msg("Scheduled job failed")
		}
	}()

	return entry.handler(s.ctx)
}
