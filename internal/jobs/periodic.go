package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher owns the tickers that turn Handlers' periodic jobs into a
// running process: sync_all_wallets, process_all_payout_queues, the
// outbox drain, and the signing retry sweep each get their own ticker on
// their configured delay, mirroring the teacher's one-goroutine-per-loop
// scan pattern rather than a single shared ticker multiplexing every job.
type Dispatcher struct {
	h   *Handlers
	cfg dispatcherConfig

	cancel context.CancelFunc
	done   chan struct{}
}

type dispatcherConfig struct {
	SyncAllWalletsDelay           time.Duration
	ProcessAllPayoutQueuesDelay   time.Duration
	RespawnAllOutboxHandlersDelay time.Duration
	SigningRetryDelay             time.Duration
}

func NewDispatcher(h *Handlers) *Dispatcher {
	return &Dispatcher{
		h: h,
		cfg: dispatcherConfig{
			SyncAllWalletsDelay:           h.cfg.JobsSyncAllWalletsDelay,
			ProcessAllPayoutQueuesDelay:   h.cfg.JobsProcessAllPayoutQueuesDelay,
			RespawnAllOutboxHandlersDelay: h.cfg.JobsRespawnAllOutboxHandlersDelay,
			SigningRetryDelay:             h.cfg.JobsSigningMaxRetryDelay,
		},
	}
}

// Start runs RespawnAllOutboxHandlers once to pick up whatever an earlier
// process crashed before delivering, then launches one ticker loop per
// periodic job. Start returns immediately; call Stop to shut the loops down.
func (d *Dispatcher) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel
	d.done = make(chan struct{})

	if err := d.h.RespawnAllOutboxHandlers(ctx); err != nil {
		slog.Error("respawn_all_outbox_handlers failed at startup", "error", err)
	}

	loops := []func(context.Context){
		d.loop("sync_all_wallets", d.cfg.SyncAllWalletsDelay, d.h.SyncAllWallets),
		d.loop("process_all_payout_queues", d.cfg.ProcessAllPayoutQueuesDelay, d.h.ProcessAllPayoutQueues),
		d.loop("populate_outbox", d.cfg.RespawnAllOutboxHandlersDelay, d.h.PopulateOutbox),
		d.loop("retry_pending_signing", d.cfg.SigningRetryDelay, d.h.RetryPendingSigning),
	}

	go func() {
		defer close(d.done)
		var wg sync.WaitGroup
		wg.Add(len(loops))
		for _, l := range loops {
			l := l
			go func() {
				defer wg.Done()
				l(ctx)
			}()
		}
		wg.Wait()
	}()
}

// Stop cancels every ticker loop and waits for them to exit.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

// loop returns a function that calls fn on every tick of delay until ctx
// is cancelled, logging (rather than propagating) errors since a failed
// fan-out pass should not stop the next one from running.
func (d *Dispatcher) loop(name string, delay time.Duration, fn func(context.Context) error) func(context.Context) {
	return func(ctx context.Context) {
		ticker := time.NewTicker(delay)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					slog.Error("periodic job failed", "job", name, "error", err)
				}
			}
		}
	}
}
