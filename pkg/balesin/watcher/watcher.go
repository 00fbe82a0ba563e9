// Package watcher reconciles the supervised connection fleet against the
// database: owners with the responder enabled get a live connection,
// everyone else gets stopped.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/prastowoa/balesin/pkg/balesin/store"
	"github.com/prastowoa/balesin/pkg/balesin/telegram"
)

// Fleet is the slice of the supervisor the watcher drives.
type Fleet interface {
	Start(ctx context.Context, credential string) (telegram.Connection, error)
	Stop(credential string)
	StopAll()
	IsRunning(credential string) bool
	Ping(ctx context.Context, credential string) error
	Count() int
	DroppedEvents() uint64
}

// OwnerSource lists owners whose userbot should be running.
type OwnerSource interface {
	Enabled(ctx context.Context) ([]store.Owner, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
}

// Options tune the reconcile loop.
type Options struct {
	PollInterval    time.Duration
	StartAttempts   int
	StartRetryDelay time.Duration
}

// DefaultOptions match the production cadence.
var DefaultOptions = Options{
	PollInterval:    30 * time.Second,
	StartAttempts:   3,
	StartRetryDelay: 5 * time.Second,
}

// Watcher polls the owner table and converges the fleet on it.
type Watcher struct {
	fleet  Fleet
	owners OwnerSource
	opts   Options
	logger *slog.Logger

	cron      *cron.Cron
	startedAt time.Time

	// running tracks the credentials the watcher started, so a later pass
	// can stop the ones no longer desired. Guarded by mu: the boot-time
	// pass and cron ticks can overlap when a pass runs long.
	mu      sync.Mutex
	running map[string]int64
}

// probeTimeout bounds the per-connection liveness round trip.
const probeTimeout = 10 * time.Second

// New creates a Watcher.
func New(fleet Fleet, owners OwnerSource, opts Options, logger *slog.Logger) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions.PollInterval
	}
	if opts.StartAttempts <= 0 {
		opts.StartAttempts = DefaultOptions.StartAttempts
	}
	if opts.StartRetryDelay <= 0 {
		opts.StartRetryDelay = DefaultOptions.StartRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		fleet:   fleet,
		owners:  owners,
		opts:    opts,
		logger:  logger.With("component", "watcher"),
		running: make(map[string]int64),
	}
}

// Start runs one synchronous reconcile pass so the fleet is up before the
// process reports ready, then schedules the periodic passes.
func (w *Watcher) Start(ctx context.Context) error {
	w.startedAt = time.Now()
	w.Reconcile(ctx)

	// A pass with failing owners can outlast the poll interval; skip the
	// tick instead of stacking passes.
	w.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := w.cron.AddFunc("@every "+w.opts.PollInterval.String(), func() {
		w.Reconcile(context.Background())
	})
	if err != nil {
		return err
	}
	w.cron.Start()
	w.logger.Info("watcher started", "poll_interval", w.opts.PollInterval)
	return nil
}

// Stop halts the poll loop and disconnects the whole fleet.
func (w *Watcher) Stop() {
	if w.cron != nil {
		ctx := w.cron.Stop()
		<-ctx.Done()
	}
	w.fleet.StopAll()
	w.logger.Info("watcher stopped")
}

// Uptime reports how long the watcher has been running.
func (w *Watcher) Uptime() time.Duration {
	if w.startedAt.IsZero() {
		return 0
	}
	return time.Since(w.startedAt)
}

// Reconcile converges the fleet on the database state: start what should
// run, restart what died, stop what should no longer run. One failing
// owner never blocks the rest of the pass.
func (w *Watcher) Reconcile(ctx context.Context) {
	owners, err := w.owners.Enabled(ctx)
	if err != nil {
		w.logger.Error("listing enabled owners failed, skipping pass", "error", err)
		return
	}

	desired := make(map[string]int64, len(owners))
	for _, o := range owners {
		if !o.HasCredential() {
			continue
		}
		cred := *o.Session
		desired[cred] = o.TelegramUserID

		if w.fleet.IsRunning(cred) {
			err := w.probe(ctx, cred)
			if err == nil {
				continue
			}
			// Live flag set but the session no longer answers; tear it
			// down and dial fresh.
			w.logger.Warn("liveness probe failed, restarting userbot",
				"owner_id", o.TelegramUserID, "error", err)
			w.fleet.Stop(cred)
			w.forget(cred)
		}
		w.startOwner(ctx, o.TelegramUserID, cred)
	}

	w.mu.Lock()
	stale := make(map[string]int64)
	for cred, ownerID := range w.running {
		if _, ok := desired[cred]; !ok {
			stale[cred] = ownerID
			delete(w.running, cred)
		}
	}
	w.mu.Unlock()

	for cred, ownerID := range stale {
		w.logger.Info("owner no longer enabled, stopping userbot", "owner_id", ownerID)
		w.fleet.Stop(cred)
	}
}

// DroppedEvents reports inbound messages the fleet dropped under
// back-pressure.
func (w *Watcher) DroppedEvents() uint64 {
	return w.fleet.DroppedEvents()
}

func (w *Watcher) probe(ctx context.Context, credential string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return w.fleet.Ping(ctx, credential)
}

func (w *Watcher) forget(credential string) {
	w.mu.Lock()
	delete(w.running, credential)
	w.mu.Unlock()
}

// startOwner dials with bounded retries. An unauthorized credential is not
// retried; the owner is disabled so the poll loop stops trying until they
// log in again.
func (w *Watcher) startOwner(ctx context.Context, ownerID int64, credential string) {
	log := w.logger.With("owner_id", ownerID)

	for attempt := 1; attempt <= w.opts.StartAttempts; attempt++ {
		_, err := w.fleet.Start(ctx, credential)
		if err == nil {
			w.mu.Lock()
			w.running[credential] = ownerID
			w.mu.Unlock()
			log.Info("userbot running", "attempt", attempt)
			return
		}

		if errors.Is(err, telegram.ErrNotAuthorized) {
			log.Warn("credential no longer authorized, disabling owner")
			if derr := w.owners.SetEnabled(ctx, ownerID, false); derr != nil {
				log.Error("disabling owner failed", "error", derr)
			}
			return
		}

		log.Warn("start attempt failed", "attempt", attempt, "error", err)
		if attempt < w.opts.StartAttempts {
			select {
			case <-time.After(w.opts.StartRetryDelay):
			case <-ctx.Done():
				return
			}
		}
	}
	log.Error("giving up on owner this pass", "attempts", w.opts.StartAttempts)
}
