package ai

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/kastel/remedia/internal/assist"
	"github.com/kastel/remedia/internal/store"
	"github.com/kastel/remedia/pkg/schema"
)

// TaskLister is the catalog slice the matcher needs.
type TaskLister interface {
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error)
}

// CatalogMatcher scores a wanted tool or step description against every
// catalog entry and returns the best one above the confidence threshold.
type CatalogMatcher struct {
	catalog   TaskLister
	threshold float64
	logger    *slog.Logger
}

// NewCatalogMatcher creates a matcher over the given catalog. A
// threshold <= 0 uses MatchThreshold.
func NewCatalogMatcher(catalog TaskLister, threshold float64, logger *slog.Logger) *CatalogMatcher {
	if threshold <= 0 {
		threshold = MatchThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogMatcher{catalog: catalog, threshold: threshold, logger: logger}
}

var _ assist.Matcher = (*CatalogMatcher)(nil)

// Match returns the best catalog task for the description, or nil when
// no candidate clears the threshold.
func (m *CatalogMatcher) Match(ctx context.Context, description string) (*assist.MatchedTask, error) {
	task, score, err := m.best(ctx, description)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}
	m.logger.Debug("task matched", "description", description, "task", task.Name, "score", score)
	return &assist.MatchedTask{
		Ref:    schema.TaskRef{ID: strconv.FormatInt(task.ID, 10), Name: task.Name},
		Params: task.Params,
	}, nil
}

// BestTask is the raw form of Match for callers that need the catalog
// entry itself, such as the incident resolver mapping plan tool names.
func (m *CatalogMatcher) BestTask(ctx context.Context, wanted string) (*store.Task, error) {
	task, _, err := m.best(ctx, wanted)
	return task, err
}

func (m *CatalogMatcher) best(ctx context.Context, wanted string) (*store.Task, float64, error) {
	tasks, err := m.catalog.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, 0, err
	}
	var best *store.Task
	var highest float64
	for _, t := range tasks {
		score := Similarity(wanted, t.Name)
		if s := Similarity(wanted, t.Description); s > score {
			score = s
		}
		if score > highest {
			highest = score
			best = t
		}
	}
	if best == nil || highest < m.threshold {
		return nil, highest, nil
	}
	return best, highest, nil
}
