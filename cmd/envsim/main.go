package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cartridge/learner/internal/envsim"
)

var opts = envsim.Options{
	Addr:            "127.0.0.1:7000",
	Envs:            8,
	ObservationSize: 64,
	ActionSize:      4,
	EpisodeLength:   200,
}

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "envsim",
	Short: "Simulated environments for the learner",
	Long: `Connects a number of simulated environments to a learner and streams
random observations. Each environment rewards the action equal to its first
observation byte modulo the action count.`,
	SilenceUsage: true,
	RunE:         runSim,
}

func init() {
	rootCmd.Flags().StringVar(&opts.Addr, "addr", opts.Addr, "Learner environment address")
	rootCmd.Flags().IntVar(&opts.Envs, "envs", opts.Envs, "Number of environments")
	rootCmd.Flags().IntVar(&opts.ObservationSize, "observation-size", opts.ObservationSize, "Observation bytes per step")
	rootCmd.Flags().IntVar(&opts.ActionSize, "action-size", opts.ActionSize, "Number of discrete actions")
	rootCmd.Flags().IntVar(&opts.EpisodeLength, "episode-length", opts.EpisodeLength, "Steps per episode")
	rootCmd.Flags().Int64Var(&opts.Seed, "seed", 0, "Random seed (0 uses the clock)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log every finished episode")
}

func runSim(_ *cobra.Command, _ []string) error {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	opts.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	sim, err := envsim.New(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				opts.Logger.Info().
					Uint64("steps", sim.Steps()).
					Uint64("episodes", sim.Episodes()).
					Msg("Simulation progress")
			}
		}
	}()

	err = sim.Run(ctx)
	opts.Logger.Info().Uint64("steps", sim.Steps()).Uint64("episodes", sim.Episodes()).Msg("Simulation stopped")
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
