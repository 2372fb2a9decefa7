package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"rekonkas/backend/internal/domain"
	"rekonkas/backend/internal/store"
)

// Store is the in-memory Repository used in dev mode and tests. ApplySyncBatch
// stages every step on copies of the collections and swaps them in only after
// the whole batch succeeded, mirroring the postgres transaction boundary.
type Store struct {
	mu              sync.RWMutex
	adminSeq        int64
	admins          map[int64]domain.Admin
	branches        map[int64]domain.Branch
	cashiers        map[int64]domain.Cashier
	accountants     map[int64]domain.Accountant
	reconciliations map[int64]domain.Reconciliation
	bankReceipts    map[int64]domain.BankReceipt
	cashReceipts    map[int64]domain.CashReceipt
}

func New() *Store {
	return &Store{
		admins:          make(map[int64]domain.Admin),
		branches:        make(map[int64]domain.Branch),
		cashiers:        make(map[int64]domain.Cashier),
		accountants:     make(map[int64]domain.Accountant),
		reconciliations: make(map[int64]domain.Reconciliation),
		bankReceipts:    make(map[int64]domain.BankReceipt),
		cashReceipts:    make(map[int64]domain.CashReceipt),
	}
}

// NewSeeded returns a store with one admin account for dev/demo mode. The
// credential comes from SEED_ADMIN_USERNAME / SEED_ADMIN_PASSWORD; hardcoded
// dev defaults are used with a warning when unset. Domain data is never
// seeded: it only ever arrives through sync pushes.
func NewSeeded() *Store {
	s := New()

	username := envOr("SEED_ADMIN_USERNAME", "admin")
	password := envOr("SEED_ADMIN_PASSWORD", "admin123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev admin credential. Set SEED_ADMIN_PASSWORD to override.")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("[memory-store] failed to hash seed password: %v", err)
	}

	s.adminSeq++
	s.admins[s.adminSeq] = domain.Admin{
		ID:           s.adminSeq,
		Username:     username,
		PasswordHash: string(hash),
		Name:         "Administrator",
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) ApplySyncBatch(_ context.Context, batch domain.SyncApply) (*domain.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Staging copies: nothing below touches the live maps until the final swap.
	admins := cloneMap(s.admins)
	adminSeq := s.adminSeq
	branches := cloneMap(s.branches)
	cashiers := cloneMap(s.cashiers)
	accountants := cloneMap(s.accountants)
	reconciliations := cloneMap(s.reconciliations)
	bankReceipts := cloneMap(s.bankReceipts)
	cashReceipts := cloneMap(s.cashReceipts)

	result := &domain.SyncResult{}

	if batch.Admins != nil {
		byUsername := make(map[string]int64, len(admins))
		for id, admin := range admins {
			byUsername[admin.Username] = id
		}
		for _, admin := range batch.Admins {
			if id, exists := byUsername[admin.Username]; exists {
				// Insert-if-absent policy: the cloud credential wins, only the
				// display name is refreshed on conflict.
				existing := admins[id]
				existing.Name = admin.Name
				admins[id] = existing
				continue
			}
			adminSeq++
			admin.ID = adminSeq
			admins[admin.ID] = admin
			byUsername[admin.Username] = admin.ID
		}
		result.Admins = len(batch.Admins)
	}

	if batch.Cashiers != nil {
		for _, cashier := range batch.Cashiers {
			cashiers[cashier.ID] = cashier
		}
		result.Cashiers = len(batch.Cashiers)
	}

	if batch.Branches != nil {
		for _, branch := range batch.Branches {
			branches[branch.ID] = branch
		}
		result.Branches = len(batch.Branches)
	}

	if batch.Accountants != nil {
		for _, accountant := range batch.Accountants {
			accountants[accountant.ID] = accountant
		}
		result.Accountants = len(batch.Accountants)
	}

	if batch.Reconciliations != nil {
		// Pre-image statuses drive the newly-completed delta, so read them
		// before any write.
		for _, rec := range batch.Reconciliations {
			prior, existed := reconciliations[rec.ID]
			if rec.Status == domain.StatusCompleted && (!existed || prior.Status != domain.StatusCompleted) {
				result.NewlyCompleted = append(result.NewlyCompleted, domain.CompletedReconciliation{
					ID:        rec.ID,
					Number:    rec.Number,
					CashierID: rec.CashierID,
				})
			}
		}

		keep := make(map[int64]bool, len(batch.Reconciliations))
		for _, rec := range batch.Reconciliations {
			reconciliations[rec.ID] = rec
			keep[rec.ID] = true
		}
		// Delete-by-exclusion: an empty (non-nil) list clears the whole
		// collection. Owned receipts cascade.
		for id := range reconciliations {
			if !keep[id] {
				delete(reconciliations, id)
				cascadeReceipts(id, bankReceipts, cashReceipts)
			}
		}
		result.Reconciliations = len(batch.Reconciliations)
	}

	if batch.BankReceipts != nil {
		keep := make(map[int64]bool, len(batch.BankReceipts))
		for _, receipt := range batch.BankReceipts {
			if _, ok := reconciliations[receipt.ReconciliationID]; !ok {
				return nil, fmt.Errorf("%w: bank receipt %d references missing reconciliation %d", store.ErrValidation, receipt.ID, receipt.ReconciliationID)
			}
			bankReceipts[receipt.ID] = receipt
			keep[receipt.ID] = true
		}
		for id := range bankReceipts {
			if !keep[id] {
				delete(bankReceipts, id)
			}
		}
		result.BankReceipts = len(batch.BankReceipts)
	}

	if batch.CashReceipts != nil {
		keep := make(map[int64]bool, len(batch.CashReceipts))
		for _, receipt := range batch.CashReceipts {
			if _, ok := reconciliations[receipt.ReconciliationID]; !ok {
				return nil, fmt.Errorf("%w: cash receipt %d references missing reconciliation %d", store.ErrValidation, receipt.ID, receipt.ReconciliationID)
			}
			cashReceipts[receipt.ID] = receipt
			keep[receipt.ID] = true
		}
		for id := range cashReceipts {
			if !keep[id] {
				delete(cashReceipts, id)
			}
		}
		result.CashReceipts = len(batch.CashReceipts)
	}

	// Commit.
	s.admins = admins
	s.adminSeq = adminSeq
	s.branches = branches
	s.cashiers = cashiers
	s.accountants = accountants
	s.reconciliations = reconciliations
	s.bankReceipts = bankReceipts
	s.cashReceipts = cashReceipts

	return result, nil
}

func cascadeReceipts(reconciliationID int64, bankReceipts map[int64]domain.BankReceipt, cashReceipts map[int64]domain.CashReceipt) {
	for id, receipt := range bankReceipts {
		if receipt.ReconciliationID == reconciliationID {
			delete(bankReceipts, id)
		}
	}
	for id, receipt := range cashReceipts {
		if receipt.ReconciliationID == reconciliationID {
			delete(cashReceipts, id)
		}
	}
}

func (s *Store) ResetOperationalData(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cashReceipts = make(map[int64]domain.CashReceipt)
	s.bankReceipts = make(map[int64]domain.BankReceipt)
	s.reconciliations = make(map[int64]domain.Reconciliation)
	return nil
}

func (s *Store) GetAdminByUsername(_ context.Context, username string) (*domain.Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, admin := range s.admins {
		if admin.Username == username {
			found := admin
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetCashier(_ context.Context, id int64) (*domain.Cashier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cashier, ok := s.cashiers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := cashier
	return &found, nil
}

func (s *Store) ListActiveBranches(_ context.Context) ([]domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	branches := make([]domain.Branch, 0, len(s.branches))
	for _, branch := range s.branches {
		if branch.Active {
			branches = append(branches, branch)
		}
	}
	sort.Slice(branches, func(i, j int) bool { return branches[i].ID < branches[j].ID })
	return branches, nil
}

func (s *Store) ListActiveCashiers(_ context.Context) ([]domain.Cashier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cashiers := make([]domain.Cashier, 0, len(s.cashiers))
	for _, cashier := range s.cashiers {
		if cashier.Active {
			cashiers = append(cashiers, cashier)
		}
	}
	sort.Slice(cashiers, func(i, j int) bool { return cashiers[i].ID < cashiers[j].ID })
	return cashiers, nil
}

// matchRow joins a reconciliation with its cashier (required), accountant
// (required) and branch (optional) and applies the filter. A reconciliation
// whose cashier or accountant cannot be resolved is excluded.
func (s *Store) matchRow(rec domain.Reconciliation, filter domain.ReportFilter) (domain.ReportRow, bool) {
	cashier, hasCashier := s.cashiers[rec.CashierID]
	if !hasCashier {
		return domain.ReportRow{}, false
	}
	accountant, hasAccountant := s.accountants[rec.AccountantID]
	if !hasAccountant {
		return domain.ReportRow{}, false
	}

	if filter.DateFrom != nil && rec.Date.Before(*filter.DateFrom) {
		return domain.ReportRow{}, false
	}
	if filter.DateTo != nil && rec.Date.After(*filter.DateTo) {
		return domain.ReportRow{}, false
	}
	if filter.Status != "" && rec.Status != filter.Status {
		return domain.ReportRow{}, false
	}
	if filter.CashierID != nil && rec.CashierID != *filter.CashierID {
		return domain.ReportRow{}, false
	}
	if filter.BranchID != nil && (cashier.BranchID == nil || *cashier.BranchID != *filter.BranchID) {
		return domain.ReportRow{}, false
	}

	row := domain.ReportRow{
		ID:             rec.ID,
		Number:         rec.Number,
		Date:           rec.Date.Format(time.DateOnly),
		Status:         rec.Status,
		CashierID:      rec.CashierID,
		CashierName:    cashier.Name,
		CashierNumber:  cashier.CashierNumber,
		AccountantName: accountant.Name,
		SystemSales:    rec.SystemSales,
		TotalReceipts:  rec.TotalReceipts,
		SurplusDeficit: rec.SurplusDeficit,
		Notes:          rec.Notes,
	}
	if cashier.BranchID != nil {
		if branch, ok := s.branches[*cashier.BranchID]; ok {
			branchID := branch.ID
			branchName := branch.Name
			row.BranchID = &branchID
			row.BranchName = &branchName
		}
	}
	return row, true
}

func (s *Store) ListReports(_ context.Context, filter domain.ReportFilter, limit int) ([]domain.ReportRow, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.Reconciliation, 0, len(s.reconciliations))
	rows := make(map[int64]domain.ReportRow, len(s.reconciliations))
	for _, rec := range s.reconciliations {
		row, ok := s.matchRow(rec, filter)
		if !ok {
			continue
		}
		matched = append(matched, rec)
		rows[rec.ID] = row
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Date.Equal(matched[j].Date) {
			return matched[i].Date.After(matched[j].Date)
		}
		return matched[i].ID > matched[j].ID
	})

	out := make([]domain.ReportRow, 0, limit)
	for _, rec := range matched {
		if len(out) == limit {
			break
		}
		out = append(out, rows[rec.ID])
	}
	return out, nil
}

func (s *Store) ComputeStats(_ context.Context, filter domain.ReportFilter) (domain.StatsSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := zeroStats()
	matched := make(map[int64]bool, len(s.reconciliations))
	for _, rec := range s.reconciliations {
		if _, ok := s.matchRow(rec, filter); !ok {
			continue
		}
		matched[rec.ID] = true
		stats.TotalReconciliations++
		stats.TotalReceipts = stats.TotalReceipts.Add(rec.TotalReceipts)
		stats.TotalSales = stats.TotalSales.Add(rec.SystemSales)
	}
	for _, receipt := range s.cashReceipts {
		if matched[receipt.ReconciliationID] {
			stats.TotalCash = stats.TotalCash.Add(receipt.Amount)
		}
	}
	return stats, nil
}

func zeroStats() domain.StatsSummary {
	return domain.StatsSummary{
		TotalReceipts: decimal.Zero,
		TotalSales:    decimal.Zero,
		TotalCash:     decimal.Zero,
	}
}

func (s *Store) GetReportDetail(_ context.Context, id int64) (*domain.ReportDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.reconciliations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	row, ok := s.matchRow(rec, domain.ReportFilter{})
	if !ok {
		return nil, store.ErrNotFound
	}

	detail := &domain.ReportDetail{
		ReportRow:    row,
		BankReceipts: make([]domain.BankReceipt, 0, 4),
		CashReceipts: make([]domain.CashReceipt, 0, 4),
	}
	for _, receipt := range s.bankReceipts {
		if receipt.ReconciliationID == id {
			detail.BankReceipts = append(detail.BankReceipts, receipt)
		}
	}
	for _, receipt := range s.cashReceipts {
		if receipt.ReconciliationID == id {
			detail.CashReceipts = append(detail.CashReceipts, receipt)
		}
	}
	sort.Slice(detail.BankReceipts, func(i, j int) bool { return detail.BankReceipts[i].ID < detail.BankReceipts[j].ID })
	sort.Slice(detail.CashReceipts, func(i, j int) bool { return detail.CashReceipts[i].ID < detail.CashReceipts[j].ID })
	return detail, nil
}

func cloneMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
