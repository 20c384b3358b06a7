package bus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"clobengine/internal/outbox"
	"clobengine/internal/types"
)

// backoff mirrors the teacher's infra.CalculateBackoff (other_examples
// chycee-CryptoGo/internal/infra/backoff.go): baseDelay*2^retries, capped
// at maxDelay, used here to space out redelivery attempts when the bus
// is unavailable (spec.md §7, types.ErrBusUnavailable is retryable).
const (
	baseDelay = 1 * time.Second
	maxDelay  = 60 * time.Second
)

func backoff(retries uint32) time.Duration {
	if retries > 30 {
		return maxDelay
	}
	d := baseDelay * time.Duration(uint64(1)<<retries)
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Relay drains box in engine_seq order and publishes each pending record
// to topic via pub, adapted from the teacher's
// jobs/broadcaster/broadcaster.go polling loop, against this engine's
// engine_seq-keyed outbox instead of its order-id-keyed one. Publishing
// is synchronous, so a record goes straight from NEW to ACKED on success
// (MarkSent is not used); an ErrBusUnavailable failure calls MarkRetry.
type Relay struct {
	box      *outbox.Outbox
	pub      Publisher
	topic    string
	log      *slog.Logger
	interval time.Duration
}

func NewRelay(box *outbox.Outbox, pub Publisher, topic string, log *slog.Logger) *Relay {
	return &Relay{box: box, pub: pub, topic: topic, log: log, interval: 250 * time.Millisecond}
}

// Run polls the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drainOnce(ctx)
		}
	}
}

func (r *Relay) drainOnce(ctx context.Context) {
	_ = r.box.ScanPending(func(seq types.EngineSeq, rec outbox.Record) error {
		if rec.Retries > 0 {
			if time.Since(time.Unix(0, rec.LastAttempt)) < backoff(rec.Retries) {
				return nil // not due for retry yet
			}
		}
		key := make([]byte, 8)
		putUint64(key, uint64(seq))
		if err := r.pub.Publish(ctx, r.topic, key, rec.Payload); err != nil {
			if errors.Is(err, types.ErrBusUnavailable) {
				_ = r.box.MarkRetry(seq)
				return nil
			}
			r.log.Error("bus: publish failed", "engine_seq", seq, "err", err)
			return nil
		}
		_ = r.box.MarkAcked(seq)
		return nil
	})
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
