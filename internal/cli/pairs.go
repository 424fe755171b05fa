package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/core/pairs"
	redisclient "github.com/vietddude/oracle/internal/infra/redis"
)

var pairsCmd = &cobra.Command{
	Use:   "pairs",
	Short: "Manage the supported pair registry",
}

var pairsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List supported pairs",
	Args:  cobra.NoArgs,
	Run:   runPairsList,
}

var pairsAddCmd = &cobra.Command{
	Use:   "add [base] [target]",
	Short: "Register a pair and invalidate it in running oracles",
	Args:  cobra.ExactArgs(2),
	Run:   runPairsAdd,
}

var pairName string

func init() {
	pairsAddCmd.Flags().StringVar(&pairName, "name", "", "pair name (default BASE/TARGET)")
	pairsCmd.AddCommand(pairsListCmd, pairsAddCmd)
	rootCmd.AddCommand(pairsCmd)
}

func runPairsList(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	store, closeFn := openStore(ctx, loadConfig())
	defer closeFn()

	list, err := pairs.NewRegistry(store.Pairs(), nil, nil, pairs.Config{}).List(ctx)
	if err != nil {
		slog.Error("Failed to list pairs", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "NAME\tBASE\tTARGET")
	for _, p := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.Base, p.Target)
	}
	_ = w.Flush()
}

func runPairsAdd(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	cfg := loadConfig()
	store, closeFn := openStore(ctx, cfg)
	defer closeFn()

	var (
		shared pairs.SharedCache
		bus    pairs.Invalidator
	)
	if cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Redis unavailable, running oracles will pick the pair up after their cache TTL", "error", err)
		} else {
			defer func() { _ = rc.Close() }()
			shared, bus = rc, rc
		}
	}

	registry := pairs.NewRegistry(store.Pairs(), shared, bus, pairs.Config{Channel: cfg.Redis.PairChannel})
	p, err := registry.Add(ctx, domain.Pair{Name: pairName, Base: args[0], Target: args[1]})
	if err != nil {
		slog.Error("Failed to add pair", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Registered %s (%s/%s)\n", p.Name, p.Base, p.Target)
}
