package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"polymarket-copytrader/api"
	"polymarket-copytrader/config"
	"polymarket-copytrader/handlers"
	"polymarket-copytrader/storage"
	"polymarket-copytrader/syncer"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:          "copytrader",
		Short:        "Copy the trades of Polymarket accounts",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", os.Getenv("POLYMARKET_CONFIG"), "configuration file path")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start monitoring and copying trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration, then print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			printSummary(cmd, cfg)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print the copy-trade log summary from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rdb := openRedis(ctx, cfg.Data)
			if rdb != nil {
				defer rdb.Close()
			}
			ledger, err := openLedger(ctx, cfg.Data, rdb)
			if err != nil {
				return err
			}
			defer ledger.Close()

			stats, err := ledger.GetCopyTradeStats(ctx)
			if err != nil {
				return err
			}
			printStats(cmd, stats)
			return nil
		},
	})

	root.AddCommand(newRecommendCmd())
	return root
}

func printStats(cmd *cobra.Command, stats *storage.CopyTradeStats) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Orders: %d, filled $%.2f / %.2f tokens\n", stats.TotalOrders, stats.FilledUsd, stats.FilledTokens)

	fmt.Fprintln(out, "\n--- By terminal state ---")
	for _, k := range sortedKeys(stats.ByTerminal) {
		fmt.Fprintf(out, "  %-28s %d\n", k, stats.ByTerminal[k])
	}
	fmt.Fprintln(out, "\n--- Source trades by status ---")
	for _, k := range sortedKeys(stats.ProcessedCount) {
		fmt.Fprintf(out, "  %-28s %d\n", k, stats.ProcessedCount[k])
	}
	if len(stats.Recent) > 0 {
		fmt.Fprintln(out, "\n--- Recent ---")
		for _, r := range stats.Recent {
			fmt.Fprintf(out, "  %s %-5s %s $%.2f (%d trades) %s\n",
				r.CreatedAt.Format(time.RFC3339), r.Action, r.Terminal, r.FilledUsd, len(r.SourceTradeIDs), r.AssetID)
		}
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newRecommendCmd() *cobra.Command {
	var balance float64
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Suggest sizing presets for a balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if balance <= 0 {
				return fmt.Errorf("--balance must be positive")
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Sizing presets for a $%.2f balance:\n", balance)
			for _, p := range config.RecommendedSizing(balance) {
				s := p.Sizing
				fmt.Fprintf(out, "\n[%s]\n", p.Name)
				fmt.Fprintf(out, "  COPY_STRATEGY=%s\n", s.Strategy)
				fmt.Fprintf(out, "  COPY_SIZE=%g\n", s.CopySize)
				fmt.Fprintf(out, "  MAX_ORDER_SIZE_USD=%g\n", s.MaxOrderSizeUsd)
				fmt.Fprintf(out, "  MIN_ORDER_SIZE_USD=%g\n", s.MinOrderSizeUsd)
				if s.MaxPositionSizeUsd != nil {
					fmt.Fprintf(out, "  MAX_POSITION_SIZE_USD=%g\n", *s.MaxPositionSizeUsd)
				}
				if len(s.TieredMultipliers) > 0 {
					fmt.Fprintf(out, "  TIERED_MULTIPLIERS=%s\n", config.FormatTiers(s.TieredMultipliers))
				}
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&balance, "balance", 0, "USDC balance of the trading wallet")
	_ = cmd.MarkFlagRequired("balance")
	return cmd
}

func printSummary(cmd *cobra.Command, cfg *config.Config) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Followed accounts (%d):\n", len(cfg.Accounts.Followed))
	for _, a := range cfg.Accounts.Followed {
		fmt.Fprintf(out, "  %s\n", a)
	}
	fmt.Fprintf(out, "Strategy: %s, copy size %g, order $%g..$%g",
		cfg.Copy.Strategy, cfg.Copy.CopySize, cfg.Copy.MinOrderSizeUsd, cfg.Copy.MaxOrderSizeUsd)
	if cfg.Copy.MaxPositionSizeUsd != nil {
		fmt.Fprintf(out, ", position cap $%g", *cfg.Copy.MaxPositionSizeUsd)
	}
	fmt.Fprintln(out)
	if len(cfg.Copy.TieredMultipliers) > 0 {
		fmt.Fprintf(out, "Tiers: %s\n", config.FormatTiers(cfg.Copy.TieredMultipliers))
	}
	fmt.Fprintf(out, "Execution: retry limit %d, slippage guard %.2f\n", cfg.Execution.RetryLimit, cfg.Execution.SlippageGuard)
	fmt.Fprintf(out, "Aggregation: enabled=%v window=%ds min=$%g\n",
		cfg.Aggregation.Enabled, cfg.Aggregation.WindowSeconds, cfg.Aggregation.MinTotalUsd)
	fmt.Fprintf(out, "Storage: %s\n", cfg.Data.Driver)
	fmt.Fprintln(out, "Configuration OK")
}

func run(ctx context.Context, cfg *config.Config) error {
	rdb := openRedis(ctx, cfg.Data)
	if rdb != nil {
		defer rdb.Close()
	}

	ledger, err := openLedger(ctx, cfg.Data, rdb)
	if err != nil {
		return err
	}
	defer ledger.Close()

	client, err := newExchangeClient(cfg.Exchange, cfg.Accounts)
	if err != nil {
		return err
	}
	account := strings.ToLower(client.Clob.Funder().Hex())

	engine := syncer.NewExecutionEngine(client, syncer.NewPositionTracker(ledger), cfg.Copy, cfg.Execution, account)
	copier := syncer.NewCopyTrader(ledger, engine, syncer.CopyTraderConfig{
		CheckInterval:      time.Duration(cfg.Monitor.FetchIntervalSec) * time.Second,
		DrainInterval:      time.Duration(cfg.Aggregation.DrainIntervalMS) * time.Millisecond,
		AggregationEnabled: cfg.Aggregation.Enabled,
		AggregationWindow:  time.Duration(cfg.Aggregation.WindowSeconds) * time.Second,
		AggregationMinUsd:  cfg.Aggregation.MinTotalUsd,
		MinOrderUsd:        cfg.Execution.MinOrderUsd,
		RetryLimit:         cfg.Execution.RetryLimit,
	})
	monitor := syncer.NewTradeMonitor(client.Data, ledger, cfg.Accounts.Followed, cfg.Monitor, cfg.Exchange.ActivityWSURL, copier.Wake)

	logs.Infof("[main] Trading as %s, following %d accounts, %s strategy", account, len(cfg.Accounts.Followed), cfg.Copy.Strategy)

	if err := copier.Start(ctx); err != nil {
		return err
	}
	defer copier.Stop()
	if err := monitor.Start(ctx); err != nil {
		return err
	}
	defer monitor.Stop()

	g, gctx := errgroup.WithContext(ctx)

	var snapshots handlers.SnapshotReader
	if rdb != nil {
		store := syncer.NewMetricsStore(rdb)
		snapshots = store
		g.Go(func() error {
			store.RunSnapshots(gctx, time.Duration(cfg.Data.MetricsSnapshotSec)*time.Second, copier, monitor)
			return nil
		})
	}

	if cfg.Server.Enabled {
		gin.SetMode(gin.ReleaseMode)
		r := gin.New()
		r.Use(gin.Recovery())
		handlers.NewHandler(cfg, copier, monitor, ledger, snapshots).Register(r)

		port := os.Getenv("PORT")
		if port == "" {
			port = strconv.Itoa(cfg.Server.Port)
		}
		srv := &http.Server{Addr: ":" + port, Handler: r}

		g.Go(func() error {
			logs.Infof("[main] Status API listening on :%s", port)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	<-gctx.Done()
	logs.Info("[main] Shutting down...")
	err = g.Wait()

	// stop discovery first so nothing new lands while the last order finishes
	monitor.Stop()
	copier.Stop()
	return err
}

func openRedis(ctx context.Context, cfg config.DataConfig) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logs.Errorf("[main] Redis at %s unavailable, running without cache and metrics snapshots: %v", cfg.RedisAddr, err)
		_ = rdb.Close()
		return nil
	}
	logs.Infof("[main] Redis connected at %s", cfg.RedisAddr)
	return rdb
}

func openLedger(ctx context.Context, cfg config.DataConfig, rdb *redis.Client) (storage.Ledger, error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := storage.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to init sqlite ledger: %w", err)
		}
		logs.Infof("[main] SQLite ledger at %s", cfg.DBPath)
		return store, nil
	default:
		store, err := storage.NewPostgres(ctx, cfg.PostgresURL, rdb)
		if err != nil {
			return nil, fmt.Errorf("failed to init postgres ledger: %w", err)
		}
		logs.Info("[main] PostgreSQL ledger initialized")
		return store, nil
	}
}

func newExchangeClient(cfg config.ExchangeConfig, accounts config.AccountsConfig) (*api.Client, error) {
	if cfg.PrivateKey == "" {
		return nil, errors.New("PRIVATE_KEY is required to trade")
	}
	auth, err := api.NewAuth(cfg.PrivateKey, cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	timeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	clob := api.NewClobClient(cfg.ClobURL, auth, timeout)
	clob.SetSignatureType(cfg.SignatureType)
	switch {
	case cfg.FunderAddress != "":
		clob.SetFunder(cfg.FunderAddress)
	case accounts.ProxyWallet != "":
		clob.SetFunder(accounts.ProxyWallet)
	}

	return &api.Client{
		Clob: clob,
		Data: api.NewDataClient(cfg.DataAPIURL, timeout),
	}, nil
}
