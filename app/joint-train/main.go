// Command joint-train trains an acoustic model and a language model that
// share one encoder.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-joint/collective"
	"github.com/tsawler/go-joint/config"
	"github.com/tsawler/go-joint/telemetry"
	"github.com/tsawler/go-joint/training"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:       "joint-train <train|continue|fork>",
		Short:     "train a speech recognizer and a language model over a shared encoder",
		Version:   version,
		ValidArgs: []string{training.ModeTrain, training.ModeContinue, training.ModeFork},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if err := setLogrus(cfg); err != nil {
				return err
			}
			cfg.Resolve()
			if err := cfg.Validate(); err != nil {
				return errors.Wrap(err, "command-line arguments specify illegal configuration")
			}
			log.WithFields(log.Fields{
				"cpu":   cpuid.CPU.BrandName,
				"cores": cpuid.CPU.LogicalCores,
			}).Info("starting joint-train ", version)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, args[0], cfg)
		},
	}
	cmd.SilenceUsage = true
	if err := config.RegisterFlags(cmd.Flags(), v); err != nil {
		log.WithError(err).Fatal("cannot register flags")
	}
	return cmd
}

func setLogrus(cfg *config.Config) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", cfg.LogLevel)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		ForceColors:   cfg.LogColor,
		DisableColors: !cfg.LogColor,
	})
	return nil
}

// run trains in mode. With distributed training enabled, every worker of
// the world runs in this process and reduces through an in-memory group.
func run(ctx context.Context, mode string, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reporter, err := telemetry.NewReporter(reg)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	metrics := make(chan error, 1)
	if cfg.MetricsAddr != "" {
		go func() { metrics <- telemetry.Serve(serveCtx, cfg.MetricsAddr, reg) }()
	} else {
		metrics <- nil
	}

	world := 1
	if cfg.DistributedEnable {
		world = cfg.DistributedWorldSize
	}
	group, err := collective.NewGroup(world)
	if err != nil {
		return err
	}
	defer group.Close()

	for rank := 0; rank < world; rank++ {
		rank := rank
		eg.Go(func() error {
			workerCfg := *cfg
			workerCfg.DistributedWorldRank = rank
			opts := []training.Option{
				training.WithCommunicator(group.Member(rank)),
				training.WithLogger(log.WithField("rank", rank)),
			}
			if rank == 0 {
				opts = append(opts, training.WithReporter(reporter))
			}
			tr, err := training.New(ctx, mode, &workerCfg, opts...)
			if err != nil {
				group.Close()
				return errors.Wrapf(err, "worker %d", rank)
			}
			defer tr.Close()
			if err := tr.Run(ctx); err != nil {
				group.Close()
				return errors.Wrapf(err, "worker %d", rank)
			}
			return nil
		})
	}
	err = eg.Wait()
	stopServe()
	if merr := <-metrics; err == nil {
		err = merr
	}
	return err
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Fatal("fatal error running joint-train")
	}
}
