// Package bus defines the pluggable publish/subscribe boundary a shard
// uses to announce outputs to the outside world. The engine core never
// depends on a concrete transport (spec.md §1: "a message bus sits
// outside this engine's scope"); internal/outbox is what makes that
// boundary safe to be slow or briefly unavailable.
package bus

import (
	"context"

	"clobengine/internal/types"
)

// errBusUnavailable wraps types.ErrBusUnavailable for transport-level
// failures, so callers can retry with backoff per spec.md §7.
var errBusUnavailable = types.ErrBusUnavailable

// Publisher sends framed output payloads to a topic/partition key. The
// key is the originating engine_seq so a partitioned topic preserves
// per-market ordering the same way the shard that produced it did.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, payload []byte) error
	Close() error
}

// Subscriber consumes payloads previously published to a topic.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler func(payload []byte) error) error
	Close() error
}
