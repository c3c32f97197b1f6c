// Package kernel is the durable, event-sourced entity engine: genus
// schemas, entities/features/relationships folded from an append-only
// fact log, a declarative action engine, a multi-lane process scheduler,
// and branch/merge timelines over all of it.
package kernel

import (
	"context"

	"github.com/farant/smaragda-sub002/internal/action"
	"github.com/farant/smaragda-sub002/internal/branch"
	"github.com/farant/smaragda-sub002/internal/config"
	"github.com/farant/smaragda-sub002/internal/entity"
	"github.com/farant/smaragda-sub002/internal/genus"
	"github.com/farant/smaragda-sub002/internal/health"
	"github.com/farant/smaragda-sub002/internal/observability"
	"github.com/farant/smaragda-sub002/internal/process"
	"github.com/farant/smaragda-sub002/internal/store"
	"github.com/farant/smaragda-sub002/internal/types"
)

// Kernel is the facade wiring every subsystem to a single store. It is
// not safe for concurrent use by multiple goroutines without external
// locking: the store itself serializes writers at the SQLite layer
// (single max-open-conn, BEGIN IMMEDIATE), but Kernel's own "current
// branch" convenience state is plain, unsynchronized field access.
type Kernel struct {
	Store   store.Store
	Genus   *genus.Registry
	Entity  *entity.Service
	Action  *action.Engine
	Branch  *branch.Service
	Health  *health.Service
	Process *process.Scheduler

	// CurrentBranch is the session's current working branch: Entity/Action/
	// Process calls that omit an explicit branch argument in a caller's
	// own wrapper code are expected to default to this, matching the
	// spec's mutable-session-state note. The kernel's own exported
	// methods always take branch explicitly; this field exists for
	// callers building a higher-level session on top of Kernel.
	CurrentBranch string

	shutdownMetrics observability.Shutdown
}

// Options configures Open. The zero value uses Default().
type Options struct {
	Config         config.Config
	EnableMetrics  bool
	ConfigFilePath string // if set, overrides Config with Load(ConfigFilePath)
}

// Open opens (creating if necessary) the kernel's database at the
// configured path, applies the configured retry tuning, bootstraps the
// sentinel genera on "main" (idempotent), and wires every subsystem.
func Open(ctx context.Context, opts Options) (*Kernel, error) {
	cfg := opts.Config
	if opts.ConfigFilePath != "" {
		loaded, err := config.Load(opts.ConfigFilePath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cfg.DatabasePath == "" {
		cfg = config.Default()
	}
	store.SetRetryTuning(cfg.Retry.RetryTuning())

	shutdownMetrics, err := observability.Init(opts.EnableMetrics)
	if err != nil {
		return nil, err
	}

	s, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		_ = shutdownMetrics(ctx)
		return nil, err
	}

	defaultBranch := cfg.DefaultBranch
	if defaultBranch == "" {
		defaultBranch = types.MainBranch
	}
	if err := genus.Bootstrap(ctx, s, types.MainBranch); err != nil {
		_ = s.Close()
		_ = shutdownMetrics(ctx)
		return nil, err
	}

	reg := genus.New(s)
	ent := entity.New(s, reg)
	eng := action.New(s, reg)
	br := branch.New(s)
	hlt := health.New(s, reg)
	proc := process.New(s, reg, eng)

	return &Kernel{
		Store:           s,
		Genus:           reg,
		Entity:          ent,
		Action:          eng,
		Branch:          br,
		Health:          hlt,
		Process:         proc,
		CurrentBranch:   defaultBranch,
		shutdownMetrics: shutdownMetrics,
	}, nil
}

// SwitchBranch updates the kernel's current-branch convenience field.
// It does not validate that name exists — branch.Service.CreateBranch /
// DiscardBranch are the operations that manage branch lifecycle; this
// is purely session-state bookkeeping, matching spec's note that branch
// switching is mutable session state rather than a kernel operation in
// its own right.
func (k *Kernel) SwitchBranch(name string) {
	k.CurrentBranch = name
}

// Close releases the underlying database connection and flushes any
// buffered metric readings.
func (k *Kernel) Close(ctx context.Context) error {
	if err := k.Store.Close(); err != nil {
		return err
	}
	if k.shutdownMetrics != nil {
		return k.shutdownMetrics(ctx)
	}
	return nil
}
