// Package processors runs the mediator's two background workers, spec
// §4.6: the expiry sweeper and the forwarder. Both are safe to run
// in-process (cmd/mediator) or out-of-process (cmd/mediator-worker)
// since every mutation routes through the store's atomic scripts —
// neither processor holds state the other needs to see.
package processors

import (
	"context"
	"sync"
	"time"

	"github.com/didcomm-mediator/mediator/internal/store"
	"github.com/didcomm-mediator/mediator/internal/telemetry"
)

// ExpirySweeper periodically deletes envelopes past their expiry.
type ExpirySweeper struct {
	store    store.Store
	interval time.Duration
	logger   *telemetry.Logger
	meter    telemetry.Meter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewExpirySweeper(s store.Store, interval time.Duration, logger *telemetry.Logger, meter telemetry.Meter) *ExpirySweeper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = telemetry.Nop
	}
	if meter == nil {
		meter = telemetry.NopMeter{}
	}
	return &ExpirySweeper{store: s, interval: interval, logger: logger, meter: meter, stopCh: make(chan struct{})}
}

// Start launches the sweep loop and returns immediately.
func (e *ExpirySweeper) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.loop(ctx)
}

// Stop signals the loop to exit and waits for it.
func (e *ExpirySweeper) Stop() {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	e.wg.Wait()
}

func (e *ExpirySweeper) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

// sweepOnce implements spec §4.6's expiry sweeper: query buckets with
// score <= now, delete_message for each member as the admin sentinel,
// then drop the bucket. NOT_FOUND from a concurrent delete is ignored.
func (e *ExpirySweeper) sweepOnce(ctx context.Context) {
	buckets, err := e.store.ExpiringBefore(ctx, time.Now().Unix())
	if err != nil {
		e.logger.Info(ctx, "expiry sweep: list buckets failed", map[string]any{"error": err.Error()})
		return
	}
	swept := 0
	for epoch, hashes := range buckets {
		for _, msgHash := range hashes {
			if err := e.store.DeleteMessage(ctx, msgHash, store.AdminSentinel); err != nil {
				if err == store.ErrNotFound {
					continue
				}
				e.logger.Info(ctx, "expiry sweep: delete failed", map[string]any{"msg_hash": msgHash, "error": err.Error()})
				continue
			}
			swept++
		}
		if err := e.store.DeleteExpiryBucket(ctx, epoch); err != nil {
			e.logger.Info(ctx, "expiry sweep: bucket cleanup failed", map[string]any{"epoch": epoch, "error": err.Error()})
		}
	}
	if swept > 0 {
		e.meter.IncCounter("mediator_expiry_swept_total", nil, float64(swept))
	}
}
