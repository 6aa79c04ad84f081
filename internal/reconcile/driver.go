package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	ierrors "github.com/alexjbarnes/indexmirror/internal/errors"
	"github.com/alexjbarnes/indexmirror/internal/remote"
	"github.com/alexjbarnes/indexmirror/internal/store"
	"golang.org/x/sync/errgroup"
)

// Lister fetches the upstream directory listing. *remote.Client
// satisfies it.
type Lister interface {
	List(ctx context.Context) (remote.Listing, error)
}

// Failure records one key whose action did not complete.
type Failure struct {
	Key    string `json:"key" yaml:"key"`
	Action string `json:"action" yaml:"action"`
	Kind   string `json:"kind" yaml:"kind"`
	Error  string `json:"error" yaml:"error"`
}

// Result summarizes one reconciliation pass. It is built fresh per pass
// and never persisted.
type Result struct {
	Created  int           `json:"created" yaml:"created"`
	Updated  int           `json:"updated" yaml:"updated"`
	Deleted  int           `json:"deleted" yaml:"deleted"`
	Skipped  int           `json:"skipped" yaml:"skipped"`
	Failed   int           `json:"failed" yaml:"failed"`
	Failures []Failure     `json:"failures,omitempty" yaml:"failures,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Total is the number of actions the pass resolved.
func (r *Result) Total() int {
	return r.Created + r.Updated + r.Deleted + r.Skipped + r.Failed
}

func (r *Result) add(o Outcome) {
	if o.Err != nil {
		r.Failed++
		r.Failures = append(r.Failures, Failure{
			Key:    o.Key,
			Action: o.Kind.String(),
			Kind:   ierrors.Kind(o.Err),
			Error:  o.Err.Error(),
		})

		return
	}

	switch o.Kind {
	case KindCreate:
		r.Created++
	case KindUpdate:
		r.Updated++
	case KindDelete:
		r.Deleted++
	case KindSkip:
		r.Skipped++
	}
}

// DriverConfig configures a Driver.
type DriverConfig struct {
	Lister   Lister
	Store    store.Store
	Executor *Executor

	// KeyPrefix scopes the inventory and is prepended to upstream names.
	KeyPrefix string

	// Workers bounds concurrent actions. Values below 1 run sequentially.
	Workers int

	// PassTimeout bounds the whole pass. Zero means no deadline.
	PassTimeout time.Duration
}

// Driver runs reconciliation passes: list, inventory, plan, execute.
type Driver struct {
	lister      Lister
	store       store.Store
	executor    *Executor
	prefix      string
	workers     int
	passTimeout time.Duration
	logger      *slog.Logger
}

// NewDriver creates a driver.
func NewDriver(cfg DriverConfig, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Driver{
		lister:      cfg.Lister,
		store:       cfg.Store,
		executor:    cfg.Executor,
		prefix:      cfg.KeyPrefix,
		workers:     max(cfg.Workers, 1),
		passTimeout: cfg.PassTimeout,
		logger:      logger,
	}
}

// RunOnce performs one pass. It returns an error, and no result, only
// when the pass could not start reconciling: the upstream listing was
// not fetched or the store inventory could not be read. Per-key failures
// are reported in the result. Running it again with no upstream change
// writes nothing.
func (d *Driver) RunOnce(ctx context.Context) (*Result, error) {
	start := time.Now()

	if d.passTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.passTimeout)
		defer cancel()
	}

	d.logger.Info("reconciliation pass starting")

	listing, err := d.lister.List(ctx)
	if err != nil || !listing.Fetched {
		if err == nil {
			err = errors.New("listing not marked as fetched")
		}

		// An unfetched listing is unknown, not empty. Planning against it
		// would delete every stored key.
		d.logger.Error("remote listing failed, pass aborted", slog.String("error", err.Error()))

		return nil, fmt.Errorf("%w: %w", ierrors.ErrListingFailed, err)
	}

	inventory, err := store.ReadInventory(ctx, d.store, d.prefix)
	if err != nil {
		d.logger.Error("store inventory failed, pass aborted", slog.String("error", err.Error()))
		return nil, err
	}

	keys := listing.Names()
	for i, name := range keys {
		keys[i] = d.prefix + name
	}

	if len(keys) == 0 && len(inventory) > 0 {
		d.logger.Warn("upstream directory is empty, every stored key will be deleted",
			slog.Int("stored", len(inventory)),
		)
	}

	actions := Plan(keys, inventory)

	d.logger.Info("plan ready",
		slog.Int("remote", len(keys)),
		slog.Int("stored", len(inventory)),
		slog.Int("actions", len(actions)),
	)

	result := d.execute(ctx, actions)
	result.Duration = time.Since(start)

	d.logger.Info("reconciliation pass complete",
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Int("deleted", result.Deleted),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed),
		slog.Duration("duration", result.Duration),
	)

	return result, nil
}

// execute runs creates and checks before any delete, so a pass never
// removes data while uploads that may depend on it are in flight.
func (d *Driver) execute(ctx context.Context, actions []Action) *Result {
	var writes, deletes []Action

	for _, a := range actions {
		if a.Kind == KindDelete {
			deletes = append(deletes, a)
		} else {
			writes = append(writes, a)
		}
	}

	result := &Result{}
	d.runPhase(ctx, writes, result)
	d.runPhase(ctx, deletes, result)

	sort.Slice(result.Failures, func(i, j int) bool {
		return result.Failures[i].Key < result.Failures[j].Key
	})

	return result
}

// runPhase fans actions out to at most d.workers goroutines. Outcomes
// come back over a channel sized for every action, so workers never
// block and the result is only touched here.
func (d *Driver) runPhase(ctx context.Context, actions []Action, result *Result) {
	if len(actions) == 0 {
		return
	}

	outcomes := make(chan Outcome, len(actions))

	var g errgroup.Group
	g.SetLimit(d.workers)

	for _, a := range actions {
		g.Go(func() error {
			outcomes <- d.executor.Execute(ctx, a)
			return nil
		})
	}

	_ = g.Wait()
	close(outcomes)

	for o := range outcomes {
		result.add(o)
	}
}
