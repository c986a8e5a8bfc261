// Package router implements quality-aware adaptive routing. Each registered
// executor carries one learned profile per category; selection maximizes a
// blended quality/cost score and the learning update is a fixed-rate
// exponential moving average fed by observed outcomes — an online
// bandit-style policy, never a batch retrain.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/meridian-labs/aegis/pkg/contracts"
)

// ComponentName is the router's identity on the bus.
const ComponentName = "adaptive-router"

type profileKey struct {
	category contracts.Category
	executor string
}

// Profile is the learned state for one (category, executor) pair. Profiles
// are created at registration and updated continuously; they are never
// deleted while the process runs.
type Profile struct {
	mu             sync.Mutex
	Category       contracts.Category
	ExecutorID     string
	RunningQuality float64
	RunningCost    float64
	Uses           int64
}

// Snapshot is the persistence form of a profile.
type Snapshot struct {
	Category       contracts.Category `json:"category"`
	ExecutorID     string             `json:"executor_id"`
	RunningQuality float64            `json:"running_quality"`
	RunningCost    float64            `json:"running_cost"`
	Uses           int64              `json:"uses"`
}

// Store optionally persists profiles across restarts.
type Store interface {
	LoadAll(ctx context.Context) ([]Snapshot, error)
	Upsert(ctx context.Context, s Snapshot) error
}

// Router selects executors and learns from outcomes.
type Router struct {
	mu       sync.RWMutex
	profiles map[profileKey]*Profile

	alpha float64
	wq    float64
	wc    float64

	hintMu    sync.Mutex
	costHints map[contracts.Category]float64

	store  Store
	logger *slog.Logger
}

// New creates a router. alpha is the EMA learning rate; wq and wc weight
// quality against cost during selection.
func New(alpha, wq, wc float64, store Store, logger *slog.Logger) *Router {
	return &Router{
		profiles:  make(map[profileKey]*Profile),
		alpha:     alpha,
		wq:        wq,
		wc:        wc,
		costHints: make(map[contracts.Category]float64),
		store:     store,
		logger:    logger,
	}
}

// Register installs a profile per category with the executor's declared
// prior. Registering an existing pair keeps the learned state.
func (r *Router) Register(executorID string, categories []contracts.Category, priorQuality, priorCost float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cat := range categories {
		key := profileKey{cat, executorID}
		if _, ok := r.profiles[key]; ok {
			continue
		}
		r.profiles[key] = &Profile{
			Category:       cat,
			ExecutorID:     executorID,
			RunningQuality: priorQuality,
			RunningCost:    priorCost,
		}
	}
}

// Restore merges persisted snapshots into registered profiles. Snapshots for
// executors that never re-registered are ignored.
func (r *Router) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	snaps, err := r.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	restored := 0
	for _, s := range snaps {
		p, ok := r.profiles[profileKey{s.Category, s.ExecutorID}]
		if !ok {
			continue
		}
		p.mu.Lock()
		p.RunningQuality = s.RunningQuality
		p.RunningCost = s.RunningCost
		p.Uses = s.Uses
		p.mu.Unlock()
		restored++
	}
	r.logger.Info("router profiles restored", "restored", restored, "persisted", len(snaps))
	return nil
}

// Select picks the executor for an action's category maximizing
// wq*quality - wc*cost, breaking ties toward the least-used profile so cold
// executors still get explored.
func (r *Router) Select(a *contracts.Action) (string, error) {
	return r.pick(a.Category, "", false)
}

// SelectExcluding is the escalation path: among the executors for the
// category other than excluded, prefer the highest known quality regardless
// of cost.
func (r *Router) SelectExcluding(a *contracts.Action, excluded string) (string, error) {
	return r.pick(a.Category, excluded, true)
}

func (r *Router) pick(cat contracts.Category, excluded string, qualityOnly bool) (string, error) {
	r.mu.RLock()
	var cands []*Profile
	for key, p := range r.profiles {
		if key.category != cat || key.executor == excluded {
			continue
		}
		cands = append(cands, p)
	}
	r.mu.RUnlock()

	if len(cands) == 0 {
		return "", &contracts.BlockedError{
			Reason:  contracts.ReasonNoExecutor,
			Code:    contracts.ErrCodeNoExecutor,
			Message: fmt.Sprintf("no executor registered for category %q", cat),
		}
	}

	type scored struct {
		id    string
		score float64
		uses  int64
	}
	hint := r.costHint(cat)
	list := make([]scored, 0, len(cands))
	for _, p := range cands {
		p.mu.Lock()
		q, c, uses := p.RunningQuality, p.RunningCost, p.Uses
		p.mu.Unlock()
		if uses == 0 && c == 0 && hint > 0 {
			c = hint
		}
		s := r.wq*q - r.wc*c
		if qualityOnly {
			s = q
		}
		list = append(list, scored{p.ExecutorID, s, uses})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		if list[i].uses != list[j].uses {
			return list[i].uses < list[j].uses
		}
		return list[i].id < list[j].id
	})
	return list[0].id, nil
}

// Learn applies the EMA update from one observed outcome. Concurrent updates
// for the same profile serialize on the profile's own mutex so none is lost.
func (r *Router) Learn(category contracts.Category, executorID string, quality, cost float64) {
	r.mu.RLock()
	p, ok := r.profiles[profileKey{category, executorID}]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("learn for unregistered profile",
			"category", category, "executor", executorID)
		return
	}

	p.mu.Lock()
	p.RunningQuality += r.alpha * (quality - p.RunningQuality)
	p.RunningCost += r.alpha * (cost - p.RunningCost)
	p.Uses++
	snap := Snapshot{
		Category:       p.Category,
		ExecutorID:     p.ExecutorID,
		RunningQuality: p.RunningQuality,
		RunningCost:    p.RunningCost,
		Uses:           p.Uses,
	}
	p.mu.Unlock()

	if r.store != nil {
		if err := r.store.Upsert(context.Background(), snap); err != nil {
			r.logger.Warn("profile persist failed",
				"category", category, "executor", executorID, "error", err)
		}
	}
}

// ProfileFor reports the current snapshot for one pair, for inspection.
func (r *Router) ProfileFor(category contracts.Category, executorID string) (Snapshot, bool) {
	r.mu.RLock()
	p, ok := r.profiles[profileKey{category, executorID}]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Category:       p.Category,
		ExecutorID:     p.ExecutorID,
		RunningQuality: p.RunningQuality,
		RunningCost:    p.RunningCost,
		Uses:           p.Uses,
	}, true
}

// HandleCostEvent is the router's bus subscription for the cost gate's
// addressed events. Admitted costs feed a per-category hint used to score
// cold profiles that have no observed cost yet.
func (r *Router) HandleCostEvent(_ string, data map[string]any) {
	allowed, _ := data["allowed"].(bool)
	if !allowed {
		return
	}
	cat, _ := data["category"].(string)
	cost, _ := data["cost"].(float64)
	if cat == "" || cost <= 0 {
		return
	}
	r.hintMu.Lock()
	r.costHints[contracts.Category(cat)] = cost
	r.hintMu.Unlock()
}

func (r *Router) costHint(cat contracts.Category) float64 {
	r.hintMu.Lock()
	defer r.hintMu.Unlock()
	return r.costHints[cat]
}
