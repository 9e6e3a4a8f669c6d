package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/didcomm-mediator/mediator/internal/diddoc"
	"github.com/didcomm-mediator/mediator/internal/didcomm"
	"github.com/didcomm-mediator/mediator/internal/didhash"
	"github.com/didcomm-mediator/mediator/internal/forwardqueue"
	"github.com/didcomm-mediator/mediator/internal/store"
	"github.com/didcomm-mediator/mediator/internal/telemetry"
)

// defaultHTTPTimeout bounds every outbound dispatch, spec §5's "every outbound
// HTTP call has a timeout (default 30s)".
const defaultHTTPTimeout = 30 * time.Second

// Forwarder dispatches queued envelopes to remote mediators over
// HTTPS, spec §4.6.
type Forwarder struct {
	queue    forwardqueue.Consumer
	resolver diddoc.Resolver
	store    store.Store
	client   *http.Client
	logger   *telemetry.Logger
	meter    telemetry.Meter

	pollTimeout time.Duration
	rndMu       sync.Mutex
	rnd         *rand.Rand

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewForwarder(q forwardqueue.Consumer, resolver diddoc.Resolver, s store.Store, logger *telemetry.Logger, meter telemetry.Meter) *Forwarder {
	if logger == nil {
		logger = telemetry.Nop
	}
	if meter == nil {
		meter = telemetry.NopMeter{}
	}
	return &Forwarder{
		queue: q, resolver: resolver, store: s,
		client:      &http.Client{Timeout: defaultHTTPTimeout},
		logger:      logger, meter: meter,
		pollTimeout: time.Second,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:      make(chan struct{}),
	}
}

func (f *Forwarder) Start(ctx context.Context) {
	f.wg.Add(1)
	go f.loop(ctx)
}

func (f *Forwarder) Stop() {
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	f.wg.Wait()
}

func (f *Forwarder) loop(ctx context.Context) {
	defer f.wg.Done()
	requeueTicker := time.NewTicker(5 * time.Second)
	defer requeueTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case <-requeueTicker.C:
			if _, err := f.queue.RequeueDue(ctx); err != nil {
				f.logger.Info(ctx, "forwarder: requeue due failed", map[string]any{"error": err.Error()})
			}
		default:
		}

		res, err := f.queue.Dequeue(ctx, f.pollTimeout)
		if err != nil {
			if err == forwardqueue.ErrEmpty {
				continue
			}
			f.logger.Info(ctx, "forwarder: dequeue failed", map[string]any{"error": err.Error()})
			continue
		}
		f.process(ctx, res)
	}
}

func (f *Forwarder) process(ctx context.Context, res forwardqueue.DequeueResult) {
	env := res.Envelope

	doc, err := f.resolver.Resolve(ctx, env.ToDID)
	if err != nil {
		f.terminal(ctx, res, env, "did unresolvable: "+err.Error())
		return
	}
	endpoint := firstDIDCommEndpoint(doc)
	if endpoint == "" {
		f.terminal(ctx, res, env, "remote has no didcomm service endpoint")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(env.Packed))
	if err != nil {
		f.terminal(ctx, res, env, "request construction failed: "+err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/didcomm-encrypted+json")

	resp, err := f.client.Do(req)
	if err != nil {
		f.retry(ctx, res, env, "transport error: "+err.Error())
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := f.store.DeleteMessage(ctx, env.MsgHash, store.AdminSentinel); err != nil && !errors.Is(err, store.ErrNotFound) {
			f.logger.Info(ctx, "forwarder: local cleanup failed", map[string]any{"msg_hash": env.MsgHash, "error": err.Error()})
		}
		if err := f.queue.Ack(ctx, res.Receipt); err != nil {
			f.logger.Info(ctx, "forwarder: ack failed", map[string]any{"error": err.Error()})
		}
		f.meter.IncCounter("mediator_forward_delivered_total", nil, 1)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Remote terminally rejected the envelope (bad request, unknown
		// recipient, etc.) — not retryable.
		f.terminal(ctx, res, env, "remote rejected with status "+resp.Status)
	default:
		f.retry(ctx, res, env, "remote returned status "+resp.Status)
	}
}

// retry requeues with exponential backoff, spec §4.6.
func (f *Forwarder) retry(ctx context.Context, res forwardqueue.DequeueResult, env forwardqueue.Envelope, reason string) {
	delay := forwardqueue.Backoff(env.Attempt, f.rand)
	if err := f.queue.Nack(ctx, res.Receipt, delay, reason); err != nil {
		f.logger.Info(ctx, "forwarder: nack failed", map[string]any{"msg_hash": env.MsgHash, "error": err.Error()})
	}
	f.meter.IncCounter("mediator_forward_retry_total", nil, 1)
}

// terminal implements spec §4.6's permanent-failure branch: notify the
// sender with a ProblemReport if known and local, otherwise drop with
// a log, and remove the job from the forward queue unconditionally.
func (f *Forwarder) terminal(ctx context.Context, res forwardqueue.DequeueResult, env forwardqueue.Envelope, reason string) {
	if env.FromHash != "" {
		pr := didcomm.NewProblemReport(env.MsgHash, didcomm.PCodeDIDResolution, reason)
		if err := f.notifySender(ctx, env.FromHash, pr); err != nil {
			f.logger.Info(ctx, "forwarder: sender notification failed", map[string]any{"from_hash": env.FromHash, "error": err.Error()})
		}
	} else {
		f.logger.Info(ctx, "forwarder: permanent failure with unknown sender, dropping", map[string]any{"msg_hash": env.MsgHash, "reason": reason})
	}
	if err := f.queue.Kill(ctx, res.Receipt, reason); err != nil {
		f.logger.Info(ctx, "forwarder: kill failed", map[string]any{"error": err.Error()})
	}
	f.meter.IncCounter("mediator_forward_permanent_failure_total", nil, 1)
}

// notifySender stores the ProblemReport as a normal envelope in the
// sender's own receive queue, so it surfaces on their next pickup.
func (f *Forwarder) notifySender(ctx context.Context, fromHash string, pr didcomm.ProblemReport) error {
	payload, err := encodeProblemReport(pr)
	if err != nil {
		return err
	}
	msgHash := didhash.Message(map[string]any{"to": fromHash, "kind": "forward-failure", "id": pr.ID})
	_, err = f.store.StoreMessage(ctx, store.StoreMessageParams{
		MsgHash: msgHash, Message: payload,
		ExpiryEpoch: time.Now().Add(24 * time.Hour).Unix(),
		ToHash:      fromHash, ArrivalMS: time.Now().UnixMilli(),
	})
	return err
}

func (f *Forwarder) rand() float64 {
	f.rndMu.Lock()
	defer f.rndMu.Unlock()
	return f.rnd.Float64()
}

func encodeProblemReport(pr didcomm.ProblemReport) ([]byte, error) {
	return json.Marshal(pr)
}

func firstDIDCommEndpoint(doc diddoc.Document) string {
	for _, svc := range doc.Services {
		if svc.ServiceEndpoint != "" {
			return svc.ServiceEndpoint
		}
	}
	return ""
}
