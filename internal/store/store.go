package store

import (
	"context"
	"errors"

	"rekonkas/backend/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("invalid payload")
	ErrUnauthorized = errors.New("unauthorized")
)

// Repository is the transactional access layer over the seven collections.
// ApplySyncBatch runs as a single atomic unit: either every step of the batch
// is persisted or none is.
type Repository interface {
	ApplySyncBatch(ctx context.Context, batch domain.SyncApply) (*domain.SyncResult, error)
	ResetOperationalData(ctx context.Context) error

	GetAdminByUsername(ctx context.Context, username string) (*domain.Admin, error)

	GetCashier(ctx context.Context, id int64) (*domain.Cashier, error)
	ListActiveBranches(ctx context.Context) ([]domain.Branch, error)
	ListActiveCashiers(ctx context.Context) ([]domain.Cashier, error)

	ListReports(ctx context.Context, filter domain.ReportFilter, limit int) ([]domain.ReportRow, error)
	ComputeStats(ctx context.Context, filter domain.ReportFilter) (domain.StatsSummary, error)
	GetReportDetail(ctx context.Context, id int64) (*domain.ReportDetail, error)
}
