// Package envsim drives simulated environments against a learner over the
// environment protocol. Each environment plays fixed-length episodes with
// random observations and rewards the action that matches the first
// observation byte.
package envsim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cartridge/learner/internal/protocol"
)

// Options configures a Simulator.
type Options struct {
	Addr            string
	Envs            int
	ObservationSize int
	ActionSize      int
	EpisodeLength   int
	Seed            int64
	Logger          zerolog.Logger
}

// Simulator runs Options.Envs environments concurrently.
type Simulator struct {
	opts     Options
	steps    atomic.Uint64
	episodes atomic.Uint64
	logger   zerolog.Logger
}

func New(opts Options) (*Simulator, error) {
	if opts.Envs <= 0 || opts.ObservationSize <= 0 || opts.ActionSize <= 0 {
		return nil, fmt.Errorf("envs, observation size and action size must be positive")
	}
	if opts.EpisodeLength <= 0 {
		opts.EpisodeLength = 100
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	return &Simulator{opts: opts, logger: opts.Logger.With().Str("component", "envsim").Logger()}, nil
}

// Run plays until ctx is cancelled. A connection dropped by the learner ends
// that environment with an error.
func (s *Simulator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.opts.Envs; i++ {
		envID := int32(i)
		rng := rand.New(rand.NewSource(s.opts.Seed + int64(i)))
		g.Go(func() error { return s.runEnv(gctx, envID, rng) })
	}
	return g.Wait()
}

// Steps returns the number of steps answered so far.
func (s *Simulator) Steps() uint64 { return s.steps.Load() }

// Episodes returns the number of finished episodes.
func (s *Simulator) Episodes() uint64 { return s.episodes.Load() }

func (s *Simulator) runEnv(ctx context.Context, envID int32, rng *rand.Rand) error {
	conn, err := protocol.Dial(ctx, s.opts.Addr, envID)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	logger := s.logger.With().Int32("env_id", envID).Logger()
	logger.Info().Str("addr", s.opts.Addr).Msg("Environment connected")

	obs := make([]byte, s.opts.ObservationSize)
	var (
		reward float32
		done   bool
		t      int
		total  float32
	)
	for {
		rng.Read(obs)
		action, err := conn.Step(obs, reward, done)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("env %d: %w", envID, err)
		}
		s.steps.Add(1)

		if done {
			s.episodes.Add(1)
			logger.Debug().Float32("return", total).Msg("Episode finished")
			t, total = 0, 0
		}
		if action < 0 || int(action) >= s.opts.ActionSize {
			return fmt.Errorf("env %d: %w: action %d", envID, errInvalidAction, action)
		}

		reward = 0
		if int(obs[0])%s.opts.ActionSize == int(action) {
			reward = 1
		}
		total += reward
		t++
		done = t >= s.opts.EpisodeLength
	}
}

var errInvalidAction = errors.New("learner returned an invalid action")
