// Package observability adapts ledger operation records to zap and prometheus.
package observability

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production zap logger at the named level.
func NewLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	return logger.With(zap.Int("pid", os.Getpid())), nil
}

// ZapOperationLogger writes ledger operations as structured log lines.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps logger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.Bool("replayed", entry.Replayed),
	}
	if entry.WalletID != 0 {
		fields = append(fields, zap.Int64("wallet_id", entry.WalletID.Int64()))
	}
	if !entry.HoldID.IsZero() {
		fields = append(fields, zap.String("hold_id", entry.HoldID.String()))
	}
	if entry.TransactionID != 0 {
		fields = append(fields, zap.Int64("transaction_id", entry.TransactionID.Int64()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if !entry.IdempotencyKey.IsZero() {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.Error == nil {
		operationLogger.logger.Info("ledger operation", fields...)
		return
	}
	failure := ledger.Describe(entry.Error)
	fields = append(fields, zap.String("error_kind", failure.Kind))
	if failure.Kind == ledger.FailureKindSystem {
		operationLogger.logger.Error("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Warn("ledger operation rejected", fields...)
}

// Tee fans one operation record out to several loggers.
type Tee []ledger.OperationLogger

func (tee Tee) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	for _, logger := range tee {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
