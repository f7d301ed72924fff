package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cartridge/learner/internal/actor"
	"github.com/cartridge/learner/internal/checkpoint"
	"github.com/cartridge/learner/internal/codec"
	"github.com/cartridge/learner/internal/config"
	"github.com/cartridge/learner/internal/events"
	"github.com/cartridge/learner/internal/health"
	adminhttp "github.com/cartridge/learner/internal/http"
	"github.com/cartridge/learner/internal/metrics"
	"github.com/cartridge/learner/internal/model"
	"github.com/cartridge/learner/internal/pipeline"
	"github.com/cartridge/learner/internal/protocol"
	"github.com/cartridge/learner/internal/rpc"
	"github.com/cartridge/learner/internal/storage"
	"github.com/cartridge/learner/internal/trainer"
)

// Learner wires the environment server, replay, ingestion, training
// replicas and admin surfaces built from one Config.
type Learner struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Collector

	codec     *codec.Codec
	main      storage.Backend
	high      storage.Backend
	warm      *pipeline.WarmSignal
	ingestor  *pipeline.Ingestor
	scheduler *pipeline.Scheduler
	group     *trainer.Group
	ledger    checkpoint.Ledger
	publisher events.Publisher
	closePub  func()

	env     *protocol.Server
	monitor *health.Monitor
	rpc     *rpc.Server
	rpcLis  net.Listener
	http    *http.Server
	httpLis net.Listener
}

// New builds a learner and binds its listeners. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Learner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	l := &Learner{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics.NewCollector(logger),
		warm:      pipeline.NewWarmSignal(),
		publisher: events.NoopPublisher{},
		closePub:  func() {},
	}
	if err := l.build(ctx); err != nil {
		l.release()
		l.close()
		return nil, err
	}
	return l, nil
}

// release closes listeners bound by a build that did not finish.
func (l *Learner) release() {
	if l.env != nil {
		_ = l.env.Stop()
	}
	for _, lis := range []net.Listener{l.rpcLis, l.httpLis} {
		if lis != nil {
			_ = lis.Close()
		}
	}
}

func (l *Learner) build(ctx context.Context) error {
	cfg := l.cfg
	shape := cfg.Shape()

	c, err := codec.New(codec.Algorithm(cfg.Compression))
	if err != nil {
		return err
	}
	l.codec = c
	main, err := storage.NewMemoryBackend(storage.Options{
		Name:             "main",
		Capacity:         cfg.ReplayCapacity,
		WarmupThreshold:  cfg.WarmupThreshold,
		ProgressInterval: cfg.ProgressInterval,
		Codec:            c,
		Logger:           l.logger,
	})
	if err != nil {
		return fmt.Errorf("create main store: %w", err)
	}
	l.main = main
	if cfg.HighValueCapacity > 0 {
		high, err := storage.NewMemoryBackend(storage.Options{
			Name:     "high",
			Capacity: cfg.HighValueCapacity,
			Codec:    c,
			Logger:   l.logger,
		})
		if err != nil {
			return fmt.Errorf("create high-value store: %w", err)
		}
		l.high = high
	}

	if cfg.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, l.logger)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		l.publisher, l.closePub = pub, pub.Close
	}

	l.ingestor = pipeline.NewIngestor(l.main, l.high, l.warm, pipeline.IngestOptions{
		QueueCapacity: cfg.QueueCapacity,
		TrackerSize:   cfg.TrackerSize,
		Metrics:       l.metrics,
		Logger:        l.logger,
	})
	l.scheduler = pipeline.NewScheduler(l.main, l.high, l.warm, pipeline.SchedulerOptions{
		HighProbability: cfg.HighValueProbability,
		Logger:          l.logger,
	})

	l.ledger, err = openLedger(ctx, cfg, l.logger)
	if err != nil {
		return err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	base := model.NewLinear(shape, rand.New(rand.NewSource(seed)))
	loss := &model.TDLoss{Gamma: cfg.Gamma, Eta: cfg.PriorityEta}
	params := trainer.NewParameterServer()

	l.group, err = trainer.NewGroup(cfg.Replicas, base, loss, l.scheduler, trainer.Options{
		BatchSize:            cfg.BatchSize,
		LearningRate:         cfg.LearningRate,
		TargetUpdateInterval: cfg.TargetUpdateInterval,
		CheckpointInterval:   cfg.CheckpointInterval,
		ProgressInterval:     cfg.TrainingProgressInterval,
		Params:               params,
		Ledger:               l.ledger,
		Backend:              cfg.CheckpointBackend,
		Publisher:            l.publisher,
		Metrics:              l.metrics,
		Logger:               l.logger,
	})
	if err != nil {
		return err
	}
	if l.ledger != nil {
		if _, err := l.group.Restore(ctx, l.ledger); err != nil {
			return err
		}
	}

	factory := actor.NewFactory(base, loss, params, l.ingestor, actor.Options{
		Shape:        shape,
		NumEnvs:      cfg.NumEnvs,
		EpsilonBase:  cfg.EpsilonBase,
		ReturnSize:   cfg.ReturnSize,
		SyncInterval: cfg.SyncInterval,
		Metrics:      l.metrics,
		Logger:       l.logger,
	})
	l.env = protocol.NewServer(cfg.EnvAddr, shape.ObservationSize, factory.Open, l.logger)
	if err := l.env.Listen(); err != nil {
		return err
	}

	var serving health.Serving
	if cfg.GRPCAddr != "" {
		l.rpc = rpc.NewServer(l, l.logger)
		l.rpcLis, err = net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
		}
		serving = l.rpc
	}
	if cfg.HTTPAddr != "" {
		l.http = adminhttp.NewServer(l, l.metrics, l.logger).NewHTTPServer(cfg.HTTPAddr)
		l.httpLis, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
		}
	}

	l.monitor = health.NewMonitor(l.main, l.high, l.ingestor, l.warm, serving, l.publisher, l.metrics,
		health.Config{Interval: cfg.MonitorInterval}, l.logger)
	return nil
}

func openLedger(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (checkpoint.Ledger, error) {
	switch cfg.CheckpointBackend {
	case config.CheckpointMemory:
		return checkpoint.NewMemoryLedger(), nil
	case config.CheckpointBadger:
		ledger, err := checkpoint.NewBadgerLedger(cfg.CheckpointDir, logger)
		if err != nil {
			return nil, fmt.Errorf("open badger ledger: %w", err)
		}
		return ledger, nil
	case config.CheckpointPostgres:
		ledger, err := checkpoint.OpenPostgresLedger(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return ledger, nil
	default:
		return nil, nil
	}
}

// Run serves until ctx is cancelled or a component fails, then shuts every
// component down and releases resources. Training failures such as a
// corrupt replay record are returned.
func (l *Learner) Run(ctx context.Context) error {
	defer l.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.ingestor.Run(gctx) })
	g.Go(func() error { return l.group.Run(gctx) })
	g.Go(func() error {
		l.monitor.Start(gctx)
		return nil
	})
	g.Go(l.env.Start)
	if l.rpc != nil {
		g.Go(func() error { return l.rpc.Serve(l.rpcLis) })
	}
	if l.http != nil {
		g.Go(func() error {
			l.logger.Info().Str("addr", l.httpLis.Addr().String()).Msg("Admin HTTP server listening")
			if err := l.http.Serve(l.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		l.shutdown()
		return nil
	})

	err := g.Wait()
	l.logger.Info().Msg("Learner stopped")
	return err
}

func (l *Learner) shutdown() {
	l.logger.Info().Msg("Shutting down learner")
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownTimeout)
	defer cancel()

	if err := l.env.Stop(); err != nil {
		l.logger.Error().Err(err).Msg("Failed to stop environment server")
	}
	if l.http != nil {
		if err := l.http.Shutdown(ctx); err != nil {
			l.logger.Error().Err(err).Msg("Graceful HTTP shutdown failed")
		}
	}
	if l.rpc != nil {
		l.rpc.Stop(ctx)
	}
}

func (l *Learner) close() {
	if l.ledger != nil {
		if err := l.ledger.Close(); err != nil {
			l.logger.Error().Err(err).Msg("Failed to close checkpoint ledger")
		}
	}
	for _, store := range []storage.Backend{l.main, l.high} {
		if store == nil {
			continue
		}
		if err := store.Close(); err != nil {
			l.logger.Error().Err(err).Msg("Failed to close replay store")
		}
	}
	if l.codec != nil {
		l.codec.Close()
	}
	l.closePub()
}

// Ready reports whether sampling has been released.
func (l *Learner) Ready() bool { return l.warm.Fired() }

// ReplayStats returns stats for the main store and, if configured, the
// high-value store.
func (l *Learner) ReplayStats(ctx context.Context) ([]*storage.Stats, error) {
	out := make([]*storage.Stats, 0, 2)
	for _, store := range []storage.Backend{l.main, l.high} {
		if store == nil {
			continue
		}
		stats, err := store.GetStats(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, stats)
	}
	return out, nil
}

// PipelineStats returns the ingestion counters.
func (l *Learner) PipelineStats() pipeline.IngestStats { return l.ingestor.Stats() }

// TrainingStats returns replica and barrier progress.
func (l *Learner) TrainingStats() trainer.GroupStats { return l.group.Stats() }

// LatestCheckpoint returns the newest saved checkpoint.
func (l *Learner) LatestCheckpoint(ctx context.Context) (checkpoint.Record, error) {
	if l.ledger == nil {
		return checkpoint.Record{}, fmt.Errorf("checkpoints disabled: %w", checkpoint.ErrNotFound)
	}
	return l.ledger.Latest(ctx)
}

// Sessions lists connected environments.
func (l *Learner) Sessions() []protocol.Client { return l.env.Clients() }

// EnvAddr returns the bound environment address.
func (l *Learner) EnvAddr() string { return l.env.Addr() }

// HTTPAddr returns the bound admin HTTP address, or "" when disabled.
func (l *Learner) HTTPAddr() string {
	if l.httpLis == nil {
		return ""
	}
	return l.httpLis.Addr().String()
}

// GRPCAddr returns the bound gRPC address, or "" when disabled.
func (l *Learner) GRPCAddr() string {
	if l.rpcLis == nil {
		return ""
	}
	return l.rpcLis.Addr().String()
}

// Group returns the training replicas.
func (l *Learner) Group() *trainer.Group { return l.group }

// Warm returns the signal that fires when replay is warm.
func (l *Learner) Warm() *pipeline.WarmSignal { return l.warm }
