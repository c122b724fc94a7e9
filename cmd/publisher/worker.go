package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/social-publisher/internal/bootstrap"
	"github.com/fpang/social-publisher/internal/queue"
)

var (
	workerQueuesFlag   []string
	workerConsumerFlag string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume the master, publish and media-prep queues",
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().StringSliceVarP(&workerQueuesFlag, "queue", "q", nil, "Queues to consume (master, publish, media-prep); default all")
	workerCmd.Flags().StringVar(&workerConsumerFlag, "consumer", "", "Consumer name within the group (default hostname)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg, "publisher-worker")
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("Shutdown flush failed")
		}
	}()

	consumer := workerConsumerFlag
	if consumer == "" {
		consumer, _ = os.Hostname()
	}
	queues := make([]queue.Name, 0, len(workerQueuesFlag))
	for _, q := range workerQueuesFlag {
		queues = append(queues, queue.Name(q))
	}

	app.StartupLogger().
		CommitHash(commitHash).
		Config("consumer", consumer).
		Log()

	err = app.Orchestrator.RunWorkers(ctx, app.PoolConfig(consumer), queues...)
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("Worker stopped")
		return nil
	}
	return err
}
