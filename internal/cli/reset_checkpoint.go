package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vietddude/oracle/internal/core/checkpoint"
	"github.com/vietddude/oracle/internal/core/domain"
)

var resetEvent string

var resetCheckpointCmd = &cobra.Command{
	Use:   "reset-checkpoint [block_height]",
	Short: "Force the ingest checkpoint to a given block height",
	Long: `Force the ingest checkpoint to a given block height. Moving it back
rescans the range; requests already in the job ledger are skipped.`,
	Args: cobra.ExactArgs(1),
	Run:  runResetCheckpoint,
}

func init() {
	resetCheckpointCmd.Flags().StringVar(&resetEvent, "event", domain.EventOracleRequest, "event checkpoint to reset")
	rootCmd.AddCommand(resetCheckpointCmd)
}

func runResetCheckpoint(cmd *cobra.Command, args []string) {
	height, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Invalid block height: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	store, closeFn := openStore(ctx, loadConfig())
	defer closeFn()

	mgr := checkpoint.NewManager(store.Checkpoints(), store)
	if err := mgr.Reset(ctx, resetEvent, height); err != nil {
		slog.Error("Failed to reset checkpoint", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Successfully reset checkpoint for %s to block %d\n", resetEvent, height)
}
