package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/oracle/internal/core/config"
	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/infra/storage"
	"github.com/vietddude/oracle/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the checkpoint and job counts per status",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// openStore connects to the configured database for operator commands.
func openStore(ctx context.Context, cfg *config.AppConfig) (*postgres.Store, func()) {
	if cfg.Database.URL == "" {
		slog.Error("database.url is required for this command")
		os.Exit(1)
	}

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	return postgres.NewStore(db), func() { _ = db.Close() }
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	cfg := loadConfig()
	store, closeFn := openStore(ctx, cfg)
	defer closeFn()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)

	cp, err := store.Checkpoints().Get(ctx, cfg.Chain.Event)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		_, _ = fmt.Fprintln(w, "EVENT\tCHECKPOINT\tUPDATED")
		_, _ = fmt.Fprintf(w, "%s\t-\t-\n", cfg.Chain.Event)
	case err != nil:
		slog.Error("Failed to read checkpoint", "error", err)
		os.Exit(1)
	default:
		_, _ = fmt.Fprintln(w, "EVENT\tCHECKPOINT\tUPDATED")
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", cp.Event, cp.Height, cp.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	_, _ = fmt.Fprintln(w)

	counts, err := store.Jobs().CountByStatus(ctx)
	if err != nil {
		slog.Error("Failed to count jobs", "error", err)
		os.Exit(1)
	}

	_, _ = fmt.Fprintln(w, "STATUS\tJOBS")
	for _, s := range domain.AllJobStatuses {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", s, counts[s])
	}
	_ = w.Flush()
}
