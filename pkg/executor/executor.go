// Package executor defines the boundary to the external collaborators that
// perform admitted work, and the registry that wraps each of them with the
// pipeline's enforcement envelope at registration time. Wrapping is explicit
// middleware composition; no entry point is ever patched after the fact.
package executor

import (
	"context"

	"github.com/meridian-labs/aegis/pkg/contracts"
)

// Executor is an external collaborator: a model backend, a browser/search
// tool, a data API. Executors self-register with the categories they serve
// and a prior for their profile.
type Executor interface {
	ID() string
	Categories() []contracts.Category
	Execute(ctx context.Context, a *contracts.Action) (*contracts.Result, error)
}

// Prior is the initial profile an executor declares at registration.
type Prior struct {
	Quality float64
	Cost    float64
}

// Func adapts a plain function into an Executor, for tools that need no
// state of their own.
type Func struct {
	Name string
	Cats []contracts.Category
	Run  func(ctx context.Context, a *contracts.Action) (*contracts.Result, error)
}

func (f *Func) ID() string                       { return f.Name }
func (f *Func) Categories() []contracts.Category { return f.Cats }

func (f *Func) Execute(ctx context.Context, a *contracts.Action) (*contracts.Result, error) {
	return f.Run(ctx, a)
}
