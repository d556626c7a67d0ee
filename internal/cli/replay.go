package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/rpcworker/internal/control"
	"github.com/vietddude/rpcworker/internal/infra/broker"
	"github.com/vietddude/rpcworker/internal/pipeline/recovery"
)

var replayPending int

var replayCmd = &cobra.Command{
	Use:   "replay [id]",
	Short: "Republish archived messages to their original exchange and routing key",
	Args:  cobra.MaximumNArgs(1),
	Run:   runReplay,
}

func init() {
	replayCmd.Flags().IntVar(&replayPending, "pending", 0, "replay up to N pending dead letters, oldest first")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) {
	if len(args) == 0 && replayPending <= 0 {
		_ = cmd.Usage()
		os.Exit(1)
	}
	cfg := loadConfig()

	ctx := context.Background()
	store, err := control.OpenStorage(ctx, cfg, slog.Default())
	if err != nil {
		slog.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
	}()

	conn, err := broker.Dial(ctx, cfg.RabbitMQ, slog.Default())
	if err != nil {
		slog.Error("Failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = conn.Close()
	}()

	ch, err := conn.Channel()
	if err != nil {
		slog.Error("Failed to open channel", "error", err)
		os.Exit(1)
	}
	publisher, err := broker.NewPublisher(ch, cfg.RabbitMQ.ConfirmTimeout)
	if err != nil {
		slog.Error("Failed to create publisher", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = publisher.Close()
	}()

	replayer := recovery.NewReplayer(store.DeadLetters, publisher, slog.Default())

	if len(args) == 1 {
		if err := replayer.Replay(ctx, args[0]); err != nil {
			slog.Error("Failed to replay dead letter", "id", args[0], "error", err)
			os.Exit(1)
		}
		slog.Info("Dead letter replayed", "id", args[0])
		return
	}

	n, err := replayer.ReplayPending(ctx, replayPending)
	if err != nil {
		slog.Error("Replay stopped", "replayed", n, "error", err)
		os.Exit(1)
	}
	slog.Info("Dead letters replayed", "count", n)
}
