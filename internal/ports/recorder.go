package ports

import (
	"context"

	"tradeFlowBot/internal/domain"
)

// TransactionRecorder durably appends lifecycle records. The executor treats
// Record as fire-and-forget: a recording failure is logged, never allowed to
// block or reverse a trade decision already taken.
type TransactionRecorder interface {
	// Record appends one lifecycle record.
	Record(ctx context.Context, rec *domain.LifecycleRecord) error
	// FindBySymbol retrieves the most recent records for a symbol, newest first.
	FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.LifecycleRecord, error)
	// FindRecent retrieves the most recent records across all symbols, newest first.
	FindRecent(ctx context.Context, limit int) ([]*domain.LifecycleRecord, error)
}
