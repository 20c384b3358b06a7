// Package engine wires together the router, shards, WAL, outbox and bus
// relay into the runnable system spec.md §5 describes, grounded on the
// teacher's cmd/server/main.go wiring (construct WAL, construct service,
// construct broadcaster, start goroutines) generalized from one engine
// instance to N shards.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"clobengine/internal/bus"
	"clobengine/internal/outbox"
	"clobengine/internal/router"
	"clobengine/internal/shard"
	"clobengine/internal/snapshot"
	"clobengine/internal/types"
	"clobengine/internal/wal"
)

// Config is everything needed to stand up the engine.
type Config struct {
	DataDir       string // WAL/outbox/snapshot files live under DataDir/shard-<n>/
	ShardCount    int
	MailboxSize   int
	SnapshotEvery uint64
	Durability    wal.Durability
	Bus           bus.Publisher
	BusTopic      string
	Logger        *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ShardCount == 0 {
		c.ShardCount = 1
	}
	if c.MailboxSize == 0 {
		c.MailboxSize = 4096
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Engine owns the router and every shard's goroutine.
type Engine struct {
	cfg    Config
	router *router.Router
	shards []*shard.Shard
	relays []*bus.Relay

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens each shard's WAL and outbox, loads its latest snapshot if
// one exists, and recovers the router's engine_seq counter to the
// highest value seen across every shard (spec.md §4.9 recovery).
func New(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	e := &Engine{cfg: cfg}
	var resumeSeq types.EngineSeq

	for i := 0; i < cfg.ShardCount; i++ {
		shardDir := filepath.Join(cfg.DataDir, fmt.Sprintf("shard-%d", i))
		if err := os.MkdirAll(shardDir, 0o755); err != nil {
			return nil, fmt.Errorf("engine: create shard dir: %w", err)
		}

		w, err := wal.Open(wal.Config{Dir: filepath.Join(shardDir, "wal"), Durability: cfg.Durability})
		if err != nil {
			return nil, fmt.Errorf("engine: open wal for shard %d: %w", i, err)
		}
		box, err := outbox.Open(filepath.Join(shardDir, "outbox"))
		if err != nil {
			return nil, fmt.Errorf("engine: open outbox for shard %d: %w", i, err)
		}

		sh := shard.New(shard.Config{
			ID:            i,
			WAL:           w,
			Outbox:        box,
			SnapshotDir:   shardDir,
			SnapshotEvery: cfg.SnapshotEvery,
			Logger:        cfg.Logger,
		})

		snapPath := filepath.Join(shardDir, fmt.Sprintf("shard-%d.snap", i))
		if _, err := os.Stat(snapPath); err == nil {
			state, err := snapshot.Load(snapPath)
			if err != nil {
				return nil, fmt.Errorf("engine: load snapshot for shard %d: %w", i, err)
			}
			sh.LoadSnapshot(state)
			if state.EngineSeq > resumeSeq {
				resumeSeq = state.EngineSeq
			}
		}

		e.shards = append(e.shards, sh)

		if cfg.Bus != nil {
			e.relays = append(e.relays, bus.NewRelay(box, cfg.Bus, cfg.BusTopic, cfg.Logger))
		}
	}

	e.router = router.New(cfg.ShardCount, cfg.MailboxSize, resumeSeq)
	for i, sh := range e.shards {
		sh.SetMailbox(e.router.Mailbox(i))
	}
	return e, nil
}

// Start launches every shard's run loop and bus relay in its own
// goroutine. Start returns immediately; call Shutdown to stop.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for _, sh := range e.shards {
		sh := sh
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := sh.Run(ctx); err != nil && ctx.Err() == nil {
				e.cfg.Logger.Error("engine: shard exited", "shard", sh.ID, "err", err)
			}
		}()
	}
	for _, r := range e.relays {
		r := r
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			r.Run(ctx)
		}()
	}
}

// Submit assigns an engine_seq and routes input to the shard owning
// marketID.
func (e *Engine) Submit(ctx context.Context, kind types.InputKind, marketID types.MarketID, input types.Input) (types.EngineSeq, error) {
	return e.router.Submit(ctx, kind, marketID, input)
}

// Shutdown broadcasts an InputShutdown to every shard, each of which
// flushes its WAL and writes a final snapshot before exiting, then waits
// for all shard and relay goroutines to return.
func (e *Engine) Shutdown(ctx context.Context) error {
	if err := e.router.BroadcastShutdown(ctx); err != nil {
		return fmt.Errorf("engine: broadcast shutdown: %w", err)
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if e.cancel != nil {
			e.cancel()
		}
		<-done
	}
	return nil
}
