package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kastel/remedia/internal/incidents"
	"github.com/kastel/remedia/internal/store"
	"github.com/kastel/remedia/pkg/schema"
)

// DefaultSchedule polls once a minute.
const DefaultSchedule = "* * * * *"

// IncidentStore is the persistence slice the monitor needs.
type IncidentStore interface {
	ListIncidents(ctx context.Context, filter store.IncidentFilter) ([]*schema.Incident, error)
	UpdateIncidentStatus(ctx context.Context, number, status, notes string) error
	AppendHistory(ctx context.Context, entry *store.HistoryEntry) error
}

// IncidentResolver turns an incident number into an executable resolution.
type IncidentResolver interface {
	Resolve(ctx context.Context, number string) (*incidents.Resolution, error)
}

// Runner executes a resolution's steps and reports their settled states.
type Runner interface {
	Run(ctx context.Context, res *incidents.Resolution) ([]schema.Step, error)
}

// Monitor polls for new unresolved incidents and drives them through
// resolution: mark In Progress, plan, execute, record history, settle a
// final status.
type Monitor struct {
	store    IncidentStore
	resolver IncidentResolver
	runner   Runner
	schedule cron.Schedule
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // incident numbers currently processing (dedup)
}

// NewMonitor creates a monitor polling on the given cron expression.
// An empty expression uses DefaultSchedule.
func NewMonitor(s IncidentStore, resolver IncidentResolver, runner Runner, cronExpr string, logger *slog.Logger) (*Monitor, error) {
	if cronExpr == "" {
		cronExpr = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse monitor schedule %q: %w", cronExpr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:    s,
		resolver: resolver,
		runner:   runner,
		schedule: schedule,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}, nil
}

// Start launches the background polling loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return fmt.Errorf("monitor already started")
	}
	monCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(monCtx)
	m.logger.Info("incident monitor started")
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	// Run an initial tick immediately.
	m.tick(ctx)

	for {
		next := m.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.tick(ctx)
		}
	}
}

// tick fetches new unresolved incidents and processes them in order.
func (m *Monitor) tick(ctx context.Context) {
	list, err := m.store.ListIncidents(ctx, store.IncidentFilter{Status: schema.IncidentStatusNew})
	if err != nil {
		m.logger.Error("failed to list new incidents", slog.String("error", err.Error()))
		return
	}
	if len(list) == 0 {
		return
	}
	m.logger.Info("new incidents found", slog.Int("count", len(list)))

	for _, inc := range list {
		if !m.tryAcquire(inc.Number) {
			continue // already processing (dedup)
		}
		m.process(ctx, inc)
		m.release(inc.Number)
	}
}

// process drives one incident to a final status. All failures settle the
// incident; nothing is left In Progress.
func (m *Monitor) process(ctx context.Context, inc *schema.Incident) {
	log := m.logger.With(slog.String("incident", inc.Number))

	if err := m.store.UpdateIncidentStatus(ctx, inc.Number, schema.IncidentStatusInProgress, ""); err != nil {
		log.Error("failed to mark incident in progress", slog.String("error", err.Error()))
		return
	}

	res, err := m.resolver.Resolve(ctx, inc.Number)
	if err != nil {
		if errCode(err) == schema.ErrCodeNotFound {
			log.Warn("no covering procedure for incident")
			m.finalize(ctx, inc.Number, schema.IncidentStatusSOPNotFound, err.Error(), "", nil, nil)
			return
		}
		log.Error("incident resolution failed", slog.String("error", err.Error()))
		m.finalize(ctx, inc.Number, schema.IncidentStatusError, err.Error(), "", nil, nil)
		return
	}

	steps, runErr := m.runner.Run(ctx, res)
	if runErr != nil {
		log.Error("incident remediation failed", slog.String("error", runErr.Error()))
		m.finalize(ctx, inc.Number, schema.IncidentStatusError, runErr.Error(), res.ProcedureTitle, res.Plan, steps)
		return
	}

	note := fmt.Sprintf("remediated via %q (%d steps)", res.ProcedureTitle, len(steps))
	log.Info("incident resolved", slog.Int("steps", len(steps)))
	m.finalize(ctx, inc.Number, schema.IncidentStatusResolved, note, res.ProcedureTitle, res.Plan, steps)
}

// finalize records the resolution attempt and settles the incident status.
func (m *Monitor) finalize(ctx context.Context, number, status, note, procedure string, plan []schema.PlannedStep, steps []schema.Step) {
	entry := &store.HistoryEntry{
		IncidentNumber: number,
		ProcedureTitle: procedure,
		Outcome:        status,
	}
	if len(plan) > 0 {
		entry.Plan, _ = json.Marshal(plan)
	}
	if len(steps) > 0 {
		entry.Steps, _ = json.Marshal(steps)
	}
	if err := m.store.AppendHistory(ctx, entry); err != nil {
		m.logger.Error("failed to record incident history",
			slog.String("incident", number), slog.String("error", err.Error()))
	}
	if err := m.store.UpdateIncidentStatus(ctx, number, status, note); err != nil {
		m.logger.Error("failed to settle incident status",
			slog.String("incident", number), slog.String("error", err.Error()))
	}
}

// tryAcquire returns true and marks the incident as in-flight if it is
// not already processing.
func (m *Monitor) tryAcquire(number string) bool {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	if _, ok := m.inflight[number]; ok {
		return false
	}
	m.inflight[number] = struct{}{}
	return true
}

func (m *Monitor) release(number string) {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	delete(m.inflight, number)
}

// Stop gracefully shuts down the monitor.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel == nil {
		return nil
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil

	m.logger.Info("incident monitor stopped")
	return nil
}

func errCode(err error) string {
	var rerr *schema.RemediaError
	if errors.As(err, &rerr) {
		return rerr.Code
	}
	return ""
}
