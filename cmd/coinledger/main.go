package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/app"
	"github.com/MarkoPoloResearchLab/coinledger/internal/config"
	"github.com/MarkoPoloResearchLab/coinledger/internal/observability"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	flagEnvFile     = "env-file"
	flagApply       = "apply"
	flagMetricsFile = "metrics-file"
	flagLimit       = "limit"
	flagOffset      = "offset"
	flagInactive    = "inactive"
	defaultEnvFile  = ".env"

	exitOK    = 0
	exitDrift = 1
	exitError = 2
)

// exitCodeError carries a process exit code out of a command.
type exitCodeError struct {
	code int
	err  error
}

func (exit *exitCodeError) Error() string {
	if exit.err == nil {
		return fmt.Sprintf("exit %d", exit.code)
	}
	return exit.err.Error()
}

func (exit *exitCodeError) Unwrap() error {
	return exit.err
}

type cli struct {
	envFile string
	cfg     config.Config
	logger  *zap.Logger
	stdout  io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) int {
	state := &cli{stdout: stdout}
	cmd := newRootCommand(state)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.ExecuteContext(ctx)
	if state.logger != nil {
		_ = state.logger.Sync()
	}
	if err == nil {
		return exitOK
	}
	var exit *exitCodeError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(stderr, "coinledger: %v\n", describe(exit.err))
		}
		return exit.code
	}
	fmt.Fprintf(stderr, "coinledger: %v\n", describe(err))
	return exitError
}

// describe hides store and driver detail behind the public failure taxonomy.
// Errors raised by the tool itself keep their message.
func describe(err error) string {
	failure := ledger.Describe(err)
	var operationErr ledger.OperationError
	if failure.Kind == ledger.FailureKindSystem && !errors.As(err, &operationErr) {
		return err.Error()
	}
	return failure.Kind + ": " + failure.Reason
}

func newRootCommand(state *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "coinledger",
		Short:         "Operate the coin ledger database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return state.load(cmd)
		},
	}
	cmd.PersistentFlags().StringVar(&state.envFile, flagEnvFile, defaultEnvFile, "optional dotenv file with COINLEDGER_* settings")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newMigrateCommand(state),
		newReconcileCommand(state),
		newBalanceCommand(state),
		newHistoryCommand(state),
		newCatalogCommand(state),
	)
	return cmd
}

func (state *cli) load(cmd *cobra.Command) error {
	cfg, err := config.Load(cmd.Flags(), state.envFile)
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	state.cfg = cfg
	state.logger = logger
	return nil
}

func (state *cli) withApp(ctx context.Context, fn func(application *app.App) error) error {
	application, err := app.Open(ctx, state.cfg, state.logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := application.Close(); closeErr != nil {
			state.logger.Warn("close failed", zap.Error(closeErr))
		}
	}()
	return fn(application)
}

func (state *cli) printJSON(value any) error {
	encoder := json.NewEncoder(state.stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func newMigrateCommand(state *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return state.withApp(cmd.Context(), func(application *app.App) error {
				if err := application.PrepareSchema(cmd.Context()); err != nil {
					return err
				}
				state.logger.Info("schema ready", zap.String("driver", application.Driver()))
				return nil
			})
		},
	}
}

type driftView struct {
	WalletID      int64 `json:"wallet_id"`
	CachedBalance int64 `json:"cached_balance"`
	LedgerBalance int64 `json:"ledger_balance"`
	Drift         int64 `json:"drift"`
	Repaired      bool  `json:"repaired"`
}

type reportView struct {
	WalletsChecked int         `json:"wallets_checked"`
	Applied        bool        `json:"applied"`
	Drifts         []driftView `json:"drifts"`
}

func newReconcileCommand(state *cli) *cobra.Command {
	var (
		apply       bool
		metricsFile string
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare cached balances with ledger sums (exit 1 on drift)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return state.withApp(cmd.Context(), func(application *app.App) error {
				report, runErr := application.Reconciler.Run(cmd.Context(), apply)
				application.Metrics.ObserveReconcile(report, runErr)
				if metricsFile != "" {
					if err := application.Metrics.WriteTextfile(metricsFile); err != nil {
						state.logger.Warn("metrics export failed", zap.Error(err))
					}
				}
				if runErr != nil {
					return &exitCodeError{code: exitError, err: runErr}
				}
				view := reportView{WalletsChecked: report.WalletsChecked, Applied: report.Applied, Drifts: []driftView{}}
				for _, drift := range report.Drifts {
					view.Drifts = append(view.Drifts, driftView{
						WalletID:      drift.WalletID.Int64(),
						CachedBalance: drift.CachedBalance.Int64(),
						LedgerBalance: drift.LedgerBalance.Int64(),
						Drift:         drift.Drift.Int64(),
						Repaired:      drift.Repaired,
					})
					state.logger.Warn("balance drift",
						zap.Int64("wallet_id", drift.WalletID.Int64()),
						zap.Int64("drift", drift.Drift.Int64()),
						zap.Bool("repaired", drift.Repaired),
					)
				}
				if err := state.printJSON(view); err != nil {
					return err
				}
				if !report.Clean() {
					return &exitCodeError{code: exitDrift}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&apply, flagApply, false, "rewrite drifted cached balances from the ledger")
	cmd.Flags().StringVar(&metricsFile, flagMetricsFile, "", "write prometheus textfile metrics to this path")
	return cmd
}

type walletView struct {
	WalletID         int64     `json:"wallet_id"`
	Balance          int64     `json:"balance"`
	AvailableBalance int64     `json:"available_balance"`
	AllowOverdraft   bool      `json:"allow_overdraft"`
	CreatedAt        time.Time `json:"created_at"`
}

func newBalanceCommand(state *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <wallet-id>",
		Short: "Show a wallet's balance and available balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			walletID, err := ledger.ParseWalletID(args[0])
			if err != nil {
				return err
			}
			return state.withApp(cmd.Context(), func(application *app.App) error {
				wallet, found, err := application.Ledger.GetWallet(cmd.Context(), ledger.WalletRefByID(walletID))
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("%w: wallet %d not found", ledger.ErrInvalidWallet, walletID.Int64())
				}
				available, err := application.Spend.GetAvailableBalance(cmd.Context(), wallet.Ref())
				if err != nil {
					return err
				}
				return state.printJSON(walletView{
					WalletID:         wallet.ID.Int64(),
					Balance:          wallet.CachedBalance.Int64(),
					AvailableBalance: available.Int64(),
					AllowOverdraft:   wallet.AllowOverdraft,
					CreatedAt:        wallet.CreatedAt,
				})
			})
		},
	}
}

type entryView struct {
	TransactionID  int64           `json:"transaction_id"`
	Amount         int64           `json:"amount"`
	Reason         string          `json:"reason"`
	BalanceAfter   int64           `json:"balance_after"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`
}

func newHistoryCommand(state *cli) *cobra.Command {
	var (
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "history <wallet-id>",
		Short: "List a wallet's ledger entries, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			walletID, err := ledger.ParseWalletID(args[0])
			if err != nil {
				return err
			}
			return state.withApp(cmd.Context(), func(application *app.App) error {
				entries, err := application.Ledger.GetTransactionHistory(cmd.Context(), ledger.WalletRefByID(walletID), limit, offset)
				if err != nil {
					return err
				}
				views := make([]entryView, 0, len(entries))
				for _, entry := range entries {
					views = append(views, entryView{
						TransactionID:  entry.ID.Int64(),
						Amount:         entry.Amount.Int64(),
						Reason:         entry.Reason.String(),
						BalanceAfter:   entry.BalanceAfter.Int64(),
						IdempotencyKey: entry.IdempotencyKey.String(),
						Metadata:       json.RawMessage(entry.Metadata.String()),
						CreatedAt:      entry.CreatedAt,
					})
				}
				return state.printJSON(views)
			})
		},
	}
	cmd.Flags().IntVar(&limit, flagLimit, 0, "maximum entries to return (default 50, capped at 200)")
	cmd.Flags().IntVar(&offset, flagOffset, 0, "entries to skip")
	return cmd
}

func newCatalogCommand(state *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Administer catalog items",
	}
	var inactive bool
	put := &cobra.Command{
		Use:   "put <sku> <price>",
		Short: "Create or replace a catalog item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sku, err := ledger.NewSKU(args[0])
			if err != nil {
				return err
			}
			price, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || price < 0 {
				return fmt.Errorf("%w: price must be a non-negative integer", ledger.ErrInvalidAmount)
			}
			return state.withApp(cmd.Context(), func(application *app.App) error {
				return application.PutCatalogItem(cmd.Context(), ledger.CatalogItem{SKU: sku, Price: ledger.Amount(price), Active: !inactive})
			})
		},
	}
	put.Flags().BoolVar(&inactive, flagInactive, false, "store the item as inactive")
	cmd.AddCommand(put)
	return cmd
}
