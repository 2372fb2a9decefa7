package service

import (
	"context"
	"crypto/hmac"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"rekonkas/backend/internal/domain"
	"rekonkas/backend/internal/notify"
	"rekonkas/backend/internal/store"
)

// defaultBankLabel is stored when a bank receipt arrives with neither an
// operation_type nor a legacy bank_name.
const defaultBankLabel = "Bank Transfer"

type Service struct {
	repo     store.Repository
	notifier *notify.Dispatcher
	apiKey   string
	timeout  time.Duration
	validate *validator.Validate

	// Per-source push serialization: two racing full-replace batches from the
	// same desktop would otherwise delete each other's just-inserted rows.
	// Striped by source-id hash so memory stays fixed no matter how many
	// source ids clients invent.
	sourceLocks [64]sync.Mutex
}

func New(repo store.Repository, notifier *notify.Dispatcher, apiKey string, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		repo:     repo,
		notifier: notifier,
		apiKey:   apiKey,
		timeout:  timeout,
		validate: validator.New(),
	}
}

func (s *Service) checkAPIKey(provided string) error {
	if s.apiKey == "" || !hmac.Equal([]byte(provided), []byte(s.apiKey)) {
		return fmt.Errorf("%w: invalid api key", store.ErrUnauthorized)
	}
	return nil
}

func (s *Service) sourceLock(sourceID string) *sync.Mutex {
	if sourceID == "" {
		sourceID = "default"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(sourceID))
	return &s.sourceLocks[h.Sum32()%uint32(len(s.sourceLocks))]
}

// SyncPush applies one desktop batch: API-key gate, schema validation and
// normalization up front, then a single store transaction, then best-effort
// completion notifications. No partial sync is ever persisted.
func (s *Service) SyncPush(ctx context.Context, req domain.SyncPushRequest) (domain.SyncReport, error) {
	if err := s.checkAPIKey(req.APIKey); err != nil {
		return domain.SyncReport{}, err
	}

	batch, err := s.normalizeBatch(req.Data)
	if err != nil {
		return domain.SyncReport{}, err
	}

	lock := s.sourceLock(req.SourceID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.repo.ApplySyncBatch(ctx, batch)
	if err != nil {
		return domain.SyncReport{}, fmt.Errorf("sync push failed: %w", err)
	}

	log.Printf("[service] sync push applied: reconciliations=%d bank=%d cash=%d cashiers=%d branches=%d accountants=%d admins=%d newly_completed=%d",
		result.Reconciliations, result.BankReceipts, result.CashReceipts,
		result.Cashiers, result.Branches, result.Accountants, result.Admins, len(result.NewlyCompleted))

	s.notifyCompleted(ctx, result.NewlyCompleted)

	return domain.SyncReport{Success: true, Message: "sync completed"}, nil
}

// notifyCompleted enqueues at most one alert per push: a singular message
// naming the record and cashier, or a count-only message for several. Failures
// anywhere in here never reach the caller.
func (s *Service) notifyCompleted(ctx context.Context, completed []domain.CompletedReconciliation) {
	if s.notifier == nil || len(completed) == 0 {
		return
	}

	if len(completed) == 1 {
		rec := completed[0]
		cashierName := "a cashier"
		if cashier, err := s.repo.GetCashier(ctx, rec.CashierID); err == nil && cashier.Name != "" {
			cashierName = cashier.Name
		}
		s.notifier.Enqueue("Reconciliation completed",
			fmt.Sprintf("Reconciliation #%d completed by %s", rec.Number, cashierName))
		return
	}

	s.notifier.Enqueue("Reconciliations completed",
		fmt.Sprintf("%d reconciliations completed", len(completed)))
}

// ResetData unconditionally clears cash receipts, bank receipts and
// reconciliations. Destructive and gated by the same pre-shared key as sync.
func (s *Service) ResetData(ctx context.Context, apiKey string) error {
	if err := s.checkAPIKey(apiKey); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.repo.ResetOperationalData(ctx); err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}
	log.Printf("[service] operational data reset")
	return nil
}

func (s *Service) ListReports(ctx context.Context, filter domain.ReportFilter) ([]domain.ReportRow, error) {
	return s.repo.ListReports(ctx, filter, 100)
}

func (s *Service) Stats(ctx context.Context, filter domain.ReportFilter) (domain.StatsSummary, error) {
	return s.repo.ComputeStats(ctx, filter)
}

func (s *Service) ReportDetail(ctx context.Context, id int64) (*domain.ReportDetail, error) {
	if id < 1 {
		return nil, fmt.Errorf("%w: report id required", store.ErrValidation)
	}
	return s.repo.GetReportDetail(ctx, id)
}

func (s *Service) Metadata(ctx context.Context) (domain.Metadata, error) {
	branches, err := s.repo.ListActiveBranches(ctx)
	if err != nil {
		return domain.Metadata{}, err
	}
	cashiers, err := s.repo.ListActiveCashiers(ctx)
	if err != nil {
		return domain.Metadata{}, err
	}

	meta := domain.Metadata{
		Branches: make([]domain.MetadataBranch, 0, len(branches)),
		Cashiers: make([]domain.MetadataCashier, 0, len(cashiers)),
	}
	for _, branch := range branches {
		meta.Branches = append(meta.Branches, domain.MetadataBranch{ID: branch.ID, Name: branch.Name})
	}
	for _, cashier := range cashiers {
		meta.Cashiers = append(meta.Cashiers, domain.MetadataCashier{
			ID:            cashier.ID,
			Name:          cashier.Name,
			CashierNumber: cashier.CashierNumber,
		})
	}
	return meta, nil
}

// normalizeBatch validates the wire payload and produces the store batch.
// Slice nil-ness is preserved: a collection the desktop did not send stays nil
// so the store leaves it untouched. Duplicate ids (admin usernames) within one
// collection fail validation.
func (s *Service) normalizeBatch(data domain.SyncData) (domain.SyncApply, error) {
	var batch domain.SyncApply

	if data.Admins != nil {
		batch.Admins = make([]domain.Admin, 0, len(data.Admins))
		usernames := make(map[string]bool, len(data.Admins))
		for _, admin := range data.Admins {
			if err := s.validate.Struct(admin); err != nil {
				return domain.SyncApply{}, fmt.Errorf("%w: admin: %v", store.ErrValidation, err)
			}
			username := strings.ToLower(strings.TrimSpace(admin.Username))
			if usernames[username] {
				return domain.SyncApply{}, fmt.Errorf("%w: duplicate admin username %q in batch", store.ErrValidation, username)
			}
			usernames[username] = true
			hash, err := bcrypt.GenerateFromPassword([]byte(admin.Password), bcrypt.DefaultCost)
			if err != nil {
				return domain.SyncApply{}, fmt.Errorf("hash admin password: %w", err)
			}
			batch.Admins = append(batch.Admins, domain.Admin{
				Username:     username,
				PasswordHash: string(hash),
				Name:         strings.TrimSpace(admin.Name),
			})
		}
	}

	if data.Cashiers != nil {
		batch.Cashiers = make([]domain.Cashier, 0, len(data.Cashiers))
		seen := make(map[int64]bool, len(data.Cashiers))
		for _, cashier := range data.Cashiers {
			if err := s.validate.Struct(cashier); err != nil {
				return domain.SyncApply{}, fmt.Errorf("%w: cashier: %v", store.ErrValidation, err)
			}
			if seen[cashier.ID] {
				return domain.SyncApply{}, fmt.Errorf("%w: duplicate cashier id %d in batch", store.ErrValidation, cashier.ID)
			}
			seen[cashier.ID] = true
			batch.Cashiers = append(batch.Cashiers, domain.Cashier{
				ID:            cashier.ID,
				Name:          strings.TrimSpace(cashier.Name),
				CashierNumber: strings.TrimSpace(cashier.CashierNumber),
				BranchID:      cashier.BranchID,
				Active:        cashier.Active,
			})
		}
	}

	if data.Branches != nil {
		batch.Branches = make([]domain.Branch, 0, len(data.Branches))
		seen := make(map[int64]bool, len(data.Branches))
		for _, branch := range data.Branches {
			if err := s.validate.Struct(branch); err != nil {
				return domain.SyncApply{}, fmt.Errorf("%w: branch: %v", store.ErrValidation, err)
			}
			if seen[branch.ID] {
				return domain.SyncApply{}, fmt.Errorf("%w: duplicate branch id %d in batch", store.ErrValidation, branch.ID)
			}
			seen[branch.ID] = true
			batch.Branches = append(batch.Branches, domain.Branch{
				ID:     branch.ID,
				Name:   strings.TrimSpace(branch.Name),
				Active: branch.Active,
			})
		}
	}

	if data.Accountants != nil {
		batch.Accountants = make([]domain.Accountant, 0, len(data.Accountants))
		seen := make(map[int64]bool, len(data.Accountants))
		for _, accountant := range data.Accountants {
			if err := s.validate.Struct(accountant); err != nil {
				return domain.SyncApply{}, fmt.Errorf("%w: accountant: %v", store.ErrValidation, err)
			}
			if seen[accountant.ID] {
				return domain.SyncApply{}, fmt.Errorf("%w: duplicate accountant id %d in batch", store.ErrValidation, accountant.ID)
			}
			seen[accountant.ID] = true
			batch.Accountants = append(batch.Accountants, domain.Accountant{
				ID:       accountant.ID,
				Name:     strings.TrimSpace(accountant.Name),
				Username: strings.TrimSpace(accountant.Username),
			})
		}
	}

	reconIDs := make(map[int64]bool)
	if data.Reconciliations != nil {
		batch.Reconciliations = make([]domain.Reconciliation, 0, len(data.Reconciliations))
		for _, rec := range data.Reconciliations {
			if err := s.validate.Struct(rec); err != nil {
				return domain.SyncApply{}, fmt.Errorf("%w: reconciliation: %v", store.ErrValidation, err)
			}
			if reconIDs[rec.ID] {
				return domain.SyncApply{}, fmt.Errorf("%w: duplicate reconciliation id %d in batch", store.ErrValidation, rec.ID)
			}
			date, err := time.ParseInLocation(time.DateOnly, rec.Date, time.UTC)
			if err != nil {
				return domain.SyncApply{}, fmt.Errorf("%w: reconciliation %d: bad date %q", store.ErrValidation, rec.ID, rec.Date)
			}
			status := rec.Status
			if status == "" {
				status = domain.StatusDraft
			}
			batch.Reconciliations = append(batch.Reconciliations, domain.Reconciliation{
				ID:            rec.ID,
				Number:        rec.Number,
				CashierID:     rec.CashierID,
				AccountantID:  rec.AccountantID,
				Date:          date,
				SystemSales:   rec.SystemSales,
				TotalReceipts: rec.TotalReceipts,
				// The client-computed figure is not trusted; the server
				// recomputes it from the two totals it was derived from.
				SurplusDeficit: rec.TotalReceipts.Sub(rec.SystemSales),
				Status:         status,
				Notes:          strings.TrimSpace(rec.Notes),
			})
			reconIDs[rec.ID] = true
		}
	}

	if data.BankReceipts != nil {
		batch.BankReceipts = make([]domain.BankReceipt, 0, len(data.BankReceipts))
		seen := make(map[int64]bool, len(data.BankReceipts))
		for _, receipt := range data.BankReceipts {
			if err := s.validate.Struct(receipt); err != nil {
				return domain.SyncApply{}, fmt.Errorf("%w: bank receipt: %v", store.ErrValidation, err)
			}
			if seen[receipt.ID] {
				return domain.SyncApply{}, fmt.Errorf("%w: duplicate bank receipt id %d in batch", store.ErrValidation, receipt.ID)
			}
			seen[receipt.ID] = true
			if data.Reconciliations != nil && !reconIDs[receipt.ReconciliationID] {
				return domain.SyncApply{}, fmt.Errorf("%w: bank receipt %d references reconciliation %d not in batch", store.ErrValidation, receipt.ID, receipt.ReconciliationID)
			}
			batch.BankReceipts = append(batch.BankReceipts, domain.BankReceipt{
				ID:               receipt.ID,
				ReconciliationID: receipt.ReconciliationID,
				Label:            bankLabel(receipt),
				Amount:           receipt.Amount,
			})
		}
	}

	if data.CashReceipts != nil {
		batch.CashReceipts = make([]domain.CashReceipt, 0, len(data.CashReceipts))
		seen := make(map[int64]bool, len(data.CashReceipts))
		for _, receipt := range data.CashReceipts {
			if err := s.validate.Struct(receipt); err != nil {
				return domain.SyncApply{}, fmt.Errorf("%w: cash receipt: %v", store.ErrValidation, err)
			}
			if seen[receipt.ID] {
				return domain.SyncApply{}, fmt.Errorf("%w: duplicate cash receipt id %d in batch", store.ErrValidation, receipt.ID)
			}
			seen[receipt.ID] = true
			if data.Reconciliations != nil && !reconIDs[receipt.ReconciliationID] {
				return domain.SyncApply{}, fmt.Errorf("%w: cash receipt %d references reconciliation %d not in batch", store.ErrValidation, receipt.ID, receipt.ReconciliationID)
			}
			batch.CashReceipts = append(batch.CashReceipts, domain.CashReceipt{
				ID:               receipt.ID,
				ReconciliationID: receipt.ReconciliationID,
				Amount:           cashAmount(receipt),
				Note:             cashNote(receipt),
			})
		}
	}

	return batch, nil
}

func bankLabel(receipt domain.SyncBankReceipt) string {
	if label := strings.TrimSpace(receipt.OperationType); label != "" {
		return label
	}
	if label := strings.TrimSpace(receipt.BankName); label != "" {
		return label
	}
	return defaultBankLabel
}

func cashAmount(receipt domain.SyncCashReceipt) decimal.Decimal {
	if receipt.TotalAmount != nil {
		return *receipt.TotalAmount
	}
	if receipt.Amount != nil {
		return *receipt.Amount
	}
	return decimal.Zero
}

func cashNote(receipt domain.SyncCashReceipt) string {
	if note := strings.TrimSpace(receipt.Note); note != "" {
		return note
	}
	if denomination := strings.TrimSpace(receipt.Denomination); denomination != "" {
		return "Denomination: " + denomination
	}
	return ""
}
