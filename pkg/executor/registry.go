package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridian-labs/aegis/pkg/contracts"
)

// RouterHook is how the registry announces a new executor's categories and
// prior to the adaptive router without importing it.
type RouterHook func(executorID string, categories []contracts.Category, priorQuality, priorCost float64)

// wrapped is an executor plus its enforcement envelope state.
type wrapped struct {
	impl        Executor
	timeout     time.Duration
	invocations atomic.Int64
	failures    atomic.Int64
}

// Registry holds the wrapped executors. Invocation goes through Invoke only,
// which applies the per-executor timeout and the error taxonomy.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*wrapped
	timeout time.Duration
	hook    RouterHook
	logger  *slog.Logger
}

// NewRegistry creates a registry with a default per-executor timeout.
func NewRegistry(timeout time.Duration, hook RouterHook, logger *slog.Logger) *Registry {
	return &Registry{
		byID:    make(map[string]*wrapped),
		timeout: timeout,
		hook:    hook,
		logger:  logger,
	}
}

// Register wraps and installs an executor. Registering a duplicate ID is an
// error; executors are identities, not versions.
func (r *Registry) Register(e Executor, prior Prior) error {
	return r.RegisterWithTimeout(e, prior, r.timeout)
}

// RegisterWithTimeout wraps an executor with its own timeout bound.
func (r *Registry) RegisterWithTimeout(e Executor, prior Prior, timeout time.Duration) error {
	if e.ID() == "" {
		return fmt.Errorf("executor registration requires an id")
	}
	if len(e.Categories()) == 0 {
		return fmt.Errorf("executor %q registered without categories", e.ID())
	}
	r.mu.Lock()
	if _, exists := r.byID[e.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("executor %q already registered", e.ID())
	}
	r.byID[e.ID()] = &wrapped{impl: e, timeout: timeout}
	r.mu.Unlock()

	if r.hook != nil {
		r.hook(e.ID(), e.Categories(), prior.Quality, prior.Cost)
	}
	r.logger.Info("executor registered",
		"executor", e.ID(), "categories", e.Categories(), "timeout", timeout)
	return nil
}

// Invoke runs the named executor under its timeout. Failures come back as
// *ClassifiedError; a timeout is indistinguishable from any other failure to
// the caller's escalation policy.
func (r *Registry) Invoke(ctx context.Context, executorID string, a *contracts.Action) (*contracts.Result, error) {
	r.mu.RLock()
	w, ok := r.byID[executorID]
	r.mu.RUnlock()
	if !ok {
		return nil, &ClassifiedError{
			Category: ErrCatPermanent, Code: contracts.ErrCodeNoExecutor,
			Message: fmt.Sprintf("executor %q not registered", executorID), ExecutorID: executorID,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	w.invocations.Add(1)
	start := time.Now()
	res, err := w.impl.Execute(ctx, a)
	elapsed := time.Since(start)

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		w.failures.Add(1)
		ce := Classify(executorID, err)
		r.logger.Warn("executor failed",
			"executor", executorID, "action", a.ID,
			"category", ce.Category, "elapsed", elapsed)
		return nil, ce
	}

	res.ExecutorID = executorID
	if res.ProducedAt.IsZero() {
		res.ProducedAt = time.Now().UTC()
	}
	r.logger.Debug("executor completed",
		"executor", executorID, "action", a.ID, "elapsed", elapsed)
	return res, nil
}

// Stats reports invocation counters for one executor.
func (r *Registry) Stats(executorID string) (invocations, failures int64, ok bool) {
	r.mu.RLock()
	w, found := r.byID[executorID]
	r.mu.RUnlock()
	if !found {
		return 0, 0, false
	}
	return w.invocations.Load(), w.failures.Load(), true
}

// IDs lists registered executor ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	return out
}
