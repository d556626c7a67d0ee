package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/rpcworker/internal/control"
	"github.com/vietddude/rpcworker/internal/core/domain"
)

var (
	dlStatus string
	dlLimit  int
)

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List archived messages whose error reply could not be delivered",
	Run:   runDeadLetters,
}

func init() {
	deadLettersCmd.Flags().StringVar(&dlStatus, "status", string(domain.DeadLetterStatusPending), "status to list (pending, replayed, ignored)")
	deadLettersCmd.Flags().IntVar(&dlLimit, "limit", 50, "maximum number of dead letters to show (0 = all)")
	rootCmd.AddCommand(deadLettersCmd)
}

func runDeadLetters(cmd *cobra.Command, args []string) {
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

	letters, err := store.DeadLetters.List(ctx, domain.DeadLetterStatus(dlStatus), dlLimit)
	if err != nil {
		slog.Error("Failed to list dead letters", "error", err)
		os.Exit(1)
	}
	printDeadLetters(os.Stdout, letters)
}

func printDeadLetters(out io.Writer, letters []*domain.DeadLetter) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tROUTING KEY\tCORRELATION ID\tERROR TYPE\tREPLAYS\tCREATED")

	for _, dl := range letters {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			dl.ID, dl.RoutingKey, dl.CorrelationID, dl.ErrorType, dl.ReplayCount,
			dl.CreatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}
