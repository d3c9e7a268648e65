package command

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/device-server/internal/storage"
	"github.com/rs/zerolog"
)

// Source is the subset of storage.ControlPlaneClient the worker needs to
// poll for and acknowledge commands, kept narrow so tests can fake it.
type Source interface {
	FetchPendingCommands(ctx context.Context, limit int) ([]storage.PendingCommand, error)
	MarkCommandSent(ctx context.Context, commandID string)
	ReportCommandResult(ctx context.Context, commandID string, success bool, errMsg string)
	ExpireStaleCommands(ctx context.Context) (int, error)
}

// Config controls the command worker's poll cadence.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	return c
}

// Stats is a snapshot of Worker's running counters.
type Stats struct {
	Running           bool
	CommandsProcessed uint64
	CommandsFailed    uint64
}

// Worker polls the control plane for pending write commands and dispatches
// each one to its target device through a Dispatcher, exactly the
// fetch-dispatch-acknowledge loop the background command processor runs,
// adapted from a database-backed queue to an HTTP-polled one.
type Worker struct {
	cfg        Config
	source     Source
	dispatcher *Dispatcher
	logger     zerolog.Logger

	processed atomic.Uint64
	failed    atomic.Uint64
	running   atomic.Bool
	cycles    atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker builds a command Worker.
func NewWorker(cfg Config, source Source, dispatcher *Dispatcher, logger zerolog.Logger) *Worker {
	return &Worker{
		cfg:        cfg.withDefaults(),
		source:     source,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "command-worker").Logger(),
	}
}

// Start runs the poll loop in the background until Stop or ctx is canceled.
func (w *Worker) Start(ctx context.Context) {
	if w.running.Swap(true) {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runLoop(runCtx)
	}()
}

// Stop signals the poll loop to exit and waits for it to finish.
func (w *Worker) Stop() {
	if !w.running.Load() {
		return
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.running.Store(false)
	w.logger.Info().Uint64("processed", w.processed.Load()).Uint64("failed", w.failed.Load()).
		Msg("command worker stopped")
}

func (w *Worker) runLoop(ctx context.Context) {
	w.runExpireStale(ctx)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.processPending(ctx)

		cycles := w.cycles.Add(1)
		if cycles%60 == 0 {
			w.runExpireStale(ctx)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) processPending(ctx context.Context) {
	commands, err := w.source.FetchPendingCommands(ctx, w.cfg.BatchSize)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to fetch pending commands")
		return
	}

	for _, pc := range commands {
		if ctx.Err() != nil {
			return
		}
		w.executeOne(ctx, pc)
	}
}

func (w *Worker) executeOne(ctx context.Context, pc storage.PendingCommand) {
	w.logger.Debug().Str("command_id", pc.ID).Str("device_id", pc.DeviceID).Msg("dispatching command")

	w.source.MarkCommandSent(ctx, pc.ID)

	result := w.dispatcher.Execute(ctx, WriteCommand{
		ID:         pc.ID,
		DeviceID:   pc.DeviceID,
		RegisterID: pc.RegisterID,
		Command:    pc.Command,
		Value:      pc.Value,
	})

	w.source.ReportCommandResult(ctx, pc.ID, result.Success, result.Error)

	if result.Success {
		w.processed.Add(1)
		return
	}
	w.failed.Add(1)
	w.logger.Warn().Str("command_id", pc.ID).Str("device_id", pc.DeviceID).Str("error", result.Error).
		Msg("command failed")
}

func (w *Worker) runExpireStale(ctx context.Context) {
	count, err := w.source.ExpireStaleCommands(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to expire stale commands")
		return
	}
	if count > 0 {
		w.logger.Info().Int("count", count).Msg("expired stale commands")
	}
}

// GetStats returns a snapshot of the worker's counters.
func (w *Worker) GetStats() Stats {
	return Stats{
		Running:           w.running.Load(),
		CommandsProcessed: w.processed.Load(),
		CommandsFailed:    w.failed.Load(),
	}
}
