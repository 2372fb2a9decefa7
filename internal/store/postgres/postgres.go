package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"rekonkas/backend/internal/domain"
	"rekonkas/backend/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ensureSchema creates the seven collections. Receipts carry a real foreign
// key to their owning reconciliation with ON DELETE CASCADE so
// delete-by-exclusion removes children in the same statement batch. The
// cashier branch reference stays a plain column: the batch order writes
// cashiers before branches, and the memory store does not check it either.
func (s *Store) ensureSchema(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS admins (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS branches (
			id BIGINT PRIMARY KEY,
			branch_name TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE TABLE IF NOT EXISTS cashiers (
			id BIGINT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			cashier_number TEXT NOT NULL DEFAULT '',
			branch_id BIGINT,
			active BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE TABLE IF NOT EXISTS accountants (
			id BIGINT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS reconciliations (
			id BIGINT PRIMARY KEY,
			reconciliation_number BIGINT NOT NULL DEFAULT 0,
			cashier_id BIGINT NOT NULL,
			accountant_id BIGINT NOT NULL DEFAULT 0,
			date DATE NOT NULL,
			system_sales NUMERIC(18,2) NOT NULL DEFAULT 0,
			total_receipts NUMERIC(18,2) NOT NULL DEFAULT 0,
			surplus_deficit NUMERIC(18,2) NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'draft',
			notes TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS bank_receipts (
			id BIGINT PRIMARY KEY,
			reconciliation_id BIGINT NOT NULL REFERENCES reconciliations(id) ON DELETE CASCADE,
			operation_type TEXT NOT NULL DEFAULT '',
			amount NUMERIC(18,2) NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS cash_receipts (
			id BIGINT PRIMARY KEY,
			reconciliation_id BIGINT NOT NULL REFERENCES reconciliations(id) ON DELETE CASCADE,
			amount NUMERIC(18,2) NOT NULL DEFAULT 0,
			note TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reconciliations_date ON reconciliations (date DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_bank_receipts_reconciliation ON bank_receipts (reconciliation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_cash_receipts_reconciliation ON cash_receipts (reconciliation_id)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema bootstrap: %w", err)
		}
	}
	return nil
}

func (s *Store) ApplySyncBatch(ctx context.Context, batch domain.SyncApply) (*domain.SyncResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	result := &domain.SyncResult{}

	if batch.Admins != nil {
		for _, admin := range batch.Admins {
			// Insert-if-absent: an already-known username keeps its cloud
			// credential; only the display name is refreshed.
			_, err := tx.ExecContext(ctx, `
				INSERT INTO admins (username, password_hash, name)
				VALUES ($1,$2,$3)
				ON CONFLICT (username)
				DO UPDATE SET name = EXCLUDED.name
			`, admin.Username, admin.PasswordHash, admin.Name)
			if err != nil {
				return nil, err
			}
		}
		result.Admins = len(batch.Admins)
	}

	if batch.Cashiers != nil {
		for _, cashier := range batch.Cashiers {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO cashiers (id, name, cashier_number, branch_id, active)
				VALUES ($1,$2,$3,$4,$5)
				ON CONFLICT (id)
				DO UPDATE SET name = EXCLUDED.name, cashier_number = EXCLUDED.cashier_number,
					branch_id = EXCLUDED.branch_id, active = EXCLUDED.active
			`, cashier.ID, cashier.Name, cashier.CashierNumber, cashier.BranchID, cashier.Active)
			if err != nil {
				return nil, err
			}
		}
		result.Cashiers = len(batch.Cashiers)
	}

	if batch.Branches != nil {
		for _, branch := range batch.Branches {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO branches (id, branch_name, active)
				VALUES ($1,$2,$3)
				ON CONFLICT (id)
				DO UPDATE SET branch_name = EXCLUDED.branch_name, active = EXCLUDED.active
			`, branch.ID, branch.Name, branch.Active)
			if err != nil {
				return nil, err
			}
		}
		result.Branches = len(batch.Branches)
	}

	if batch.Accountants != nil {
		for _, accountant := range batch.Accountants {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO accountants (id, name, username)
				VALUES ($1,$2,$3)
				ON CONFLICT (id)
				DO UPDATE SET name = EXCLUDED.name, username = EXCLUDED.username
			`, accountant.ID, accountant.Name, accountant.Username)
			if err != nil {
				return nil, err
			}
		}
		result.Accountants = len(batch.Accountants)
	}

	if batch.Reconciliations != nil {
		newlyCompleted, err := s.reconcileReconciliations(ctx, tx, batch.Reconciliations)
		if err != nil {
			return nil, err
		}
		result.NewlyCompleted = newlyCompleted
		result.Reconciliations = len(batch.Reconciliations)
	}

	if batch.BankReceipts != nil {
		ids := make([]int64, 0, len(batch.BankReceipts))
		for _, receipt := range batch.BankReceipts {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO bank_receipts (id, reconciliation_id, operation_type, amount)
				VALUES ($1,$2,$3,$4)
				ON CONFLICT (id)
				DO UPDATE SET reconciliation_id = EXCLUDED.reconciliation_id,
					operation_type = EXCLUDED.operation_type, amount = EXCLUDED.amount
			`, receipt.ID, receipt.ReconciliationID, receipt.Label, receipt.Amount)
			if err != nil {
				if isForeignKeyViolation(err) {
					return nil, fmt.Errorf("%w: bank receipt %d references missing reconciliation %d", store.ErrValidation, receipt.ID, receipt.ReconciliationID)
				}
				return nil, err
			}
			ids = append(ids, receipt.ID)
		}
		if err := deleteByExclusion(ctx, tx, "bank_receipts", ids); err != nil {
			return nil, err
		}
		result.BankReceipts = len(batch.BankReceipts)
	}

	if batch.CashReceipts != nil {
		ids := make([]int64, 0, len(batch.CashReceipts))
		for _, receipt := range batch.CashReceipts {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO cash_receipts (id, reconciliation_id, amount, note)
				VALUES ($1,$2,$3,$4)
				ON CONFLICT (id)
				DO UPDATE SET reconciliation_id = EXCLUDED.reconciliation_id,
					amount = EXCLUDED.amount, note = EXCLUDED.note
			`, receipt.ID, receipt.ReconciliationID, receipt.Amount, receipt.Note)
			if err != nil {
				if isForeignKeyViolation(err) {
					return nil, fmt.Errorf("%w: cash receipt %d references missing reconciliation %d", store.ErrValidation, receipt.ID, receipt.ReconciliationID)
				}
				return nil, err
			}
			ids = append(ids, receipt.ID)
		}
		if err := deleteByExclusion(ctx, tx, "cash_receipts", ids); err != nil {
			return nil, err
		}
		result.CashReceipts = len(batch.CashReceipts)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

// reconcileReconciliations reads the pre-image status of every id in the
// batch, computes the newly-completed set, upserts the batch and deletes by
// exclusion (everything on an empty batch list).
func (s *Store) reconcileReconciliations(ctx context.Context, tx *sql.Tx, recs []domain.Reconciliation) ([]domain.CompletedReconciliation, error) {
	ids := make([]int64, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}

	prior := make(map[int64]string, len(ids))
	if len(ids) > 0 {
		rows, err := tx.QueryContext(ctx, `SELECT id, status FROM reconciliations WHERE id = ANY($1)`, ids)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id int64
			var status string
			if err := rows.Scan(&id, &status); err != nil {
				rows.Close()
				return nil, err
			}
			prior[id] = status
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	var newlyCompleted []domain.CompletedReconciliation
	for _, rec := range recs {
		priorStatus, existed := prior[rec.ID]
		if rec.Status == domain.StatusCompleted && (!existed || priorStatus != domain.StatusCompleted) {
			newlyCompleted = append(newlyCompleted, domain.CompletedReconciliation{
				ID:        rec.ID,
				Number:    rec.Number,
				CashierID: rec.CashierID,
			})
		}
	}

	for _, rec := range recs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reconciliations (
				id, reconciliation_number, cashier_id, accountant_id, date,
				system_sales, total_receipts, surplus_deficit, status, notes
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (id)
			DO UPDATE SET reconciliation_number = EXCLUDED.reconciliation_number,
				cashier_id = EXCLUDED.cashier_id, accountant_id = EXCLUDED.accountant_id,
				date = EXCLUDED.date, system_sales = EXCLUDED.system_sales,
				total_receipts = EXCLUDED.total_receipts, surplus_deficit = EXCLUDED.surplus_deficit,
				status = EXCLUDED.status, notes = EXCLUDED.notes
		`, rec.ID, rec.Number, rec.CashierID, rec.AccountantID, rec.Date,
			rec.SystemSales, rec.TotalReceipts, rec.SurplusDeficit, rec.Status, rec.Notes)
		if err != nil {
			return nil, err
		}
	}

	if err := deleteByExclusion(ctx, tx, "reconciliations", ids); err != nil {
		return nil, err
	}
	return newlyCompleted, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// deleteByExclusion removes every row whose id is not in keep. An empty keep
// set clears the table: the desktop signalled it has no records at all.
func deleteByExclusion(ctx context.Context, tx *sql.Tx, table string, keep []int64) error {
	if len(keep) == 0 {
		_, err := tx.ExecContext(ctx, `DELETE FROM `+table)
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE NOT (id = ANY($1))`, keep)
	return err
}

func (s *Store) ResetOperationalData(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"cash_receipts", "bank_receipts", "reconciliations"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetAdminByUsername(ctx context.Context, username string) (*domain.Admin, error) {
	var admin domain.Admin
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, name
		FROM admins
		WHERE username = $1
	`, username).Scan(&admin.ID, &admin.Username, &admin.PasswordHash, &admin.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &admin, nil
}

func (s *Store) GetCashier(ctx context.Context, id int64) (*domain.Cashier, error) {
	var cashier domain.Cashier
	var branchID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, cashier_number, branch_id, active
		FROM cashiers
		WHERE id = $1
	`, id).Scan(&cashier.ID, &cashier.Name, &cashier.CashierNumber, &branchID, &cashier.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if branchID.Valid {
		cashier.BranchID = &branchID.Int64
	}
	return &cashier, nil
}

func (s *Store) ListActiveBranches(ctx context.Context) ([]domain.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_name, active
		FROM branches
		WHERE active = true
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	branches := make([]domain.Branch, 0, 16)
	for rows.Next() {
		var branch domain.Branch
		if err := rows.Scan(&branch.ID, &branch.Name, &branch.Active); err != nil {
			return nil, err
		}
		branches = append(branches, branch)
	}
	return branches, rows.Err()
}

func (s *Store) ListActiveCashiers(ctx context.Context) ([]domain.Cashier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cashier_number, branch_id, active
		FROM cashiers
		WHERE active = true
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cashiers := make([]domain.Cashier, 0, 32)
	for rows.Next() {
		var cashier domain.Cashier
		var branchID sql.NullInt64
		if err := rows.Scan(&cashier.ID, &cashier.Name, &cashier.CashierNumber, &branchID, &cashier.Active); err != nil {
			return nil, err
		}
		if branchID.Valid {
			cashier.BranchID = &branchID.Int64
		}
		cashiers = append(cashiers, cashier)
	}
	return cashiers, rows.Err()
}

// filterClauses builds the shared WHERE predicates for report queries as
// parameterized fragments; filter values are never concatenated into SQL.
func filterClauses(filter domain.ReportFilter) (string, []any) {
	clauses := make([]string, 0, 5)
	args := make([]any, 0, 5)

	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.DateFrom != nil {
		add("r.date >= $%d", *filter.DateFrom)
	}
	if filter.DateTo != nil {
		add("r.date <= $%d", *filter.DateTo)
	}
	if filter.Status != "" {
		add("r.status = $%d", filter.Status)
	}
	if filter.BranchID != nil {
		add("c.branch_id = $%d", *filter.BranchID)
	}
	if filter.CashierID != nil {
		add("r.cashier_id = $%d", *filter.CashierID)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

const reportSelect = `
	SELECT r.id, r.reconciliation_number, r.date, r.status,
		r.cashier_id, c.name, c.cashier_number, a.name,
		b.id, b.branch_name,
		r.system_sales, r.total_receipts, r.surplus_deficit, r.notes
	FROM reconciliations r
	JOIN cashiers c ON c.id = r.cashier_id
	JOIN accountants a ON a.id = r.accountant_id
	LEFT JOIN branches b ON b.id = c.branch_id
`

func scanReportRow(scan func(dest ...any) error) (domain.ReportRow, error) {
	var row domain.ReportRow
	var date time.Time
	var branchID sql.NullInt64
	var branchName sql.NullString
	err := scan(&row.ID, &row.Number, &date, &row.Status,
		&row.CashierID, &row.CashierName, &row.CashierNumber, &row.AccountantName,
		&branchID, &branchName,
		&row.SystemSales, &row.TotalReceipts, &row.SurplusDeficit, &row.Notes)
	if err != nil {
		return domain.ReportRow{}, err
	}
	row.Date = date.UTC().Format(time.DateOnly)
	if branchID.Valid {
		row.BranchID = &branchID.Int64
	}
	if branchName.Valid {
		row.BranchName = &branchName.String
	}
	return row, nil
}

func (s *Store) ListReports(ctx context.Context, filter domain.ReportFilter, limit int) ([]domain.ReportRow, error) {
	if limit < 1 {
		limit = 100
	}

	where, args := filterClauses(filter)
	args = append(args, limit)
	query := reportSelect + where + fmt.Sprintf(" ORDER BY r.date DESC, r.id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := make([]domain.ReportRow, 0, limit)
	for rows.Next() {
		row, err := scanReportRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		reports = append(reports, row)
	}
	return reports, rows.Err()
}

func (s *Store) ComputeStats(ctx context.Context, filter domain.ReportFilter) (domain.StatsSummary, error) {
	where, args := filterClauses(filter)

	stats := domain.StatsSummary{
		TotalReceipts: decimal.Zero,
		TotalSales:    decimal.Zero,
		TotalCash:     decimal.Zero,
	}

	// COALESCE keeps the sums at literal zero on an empty match set.
	query := `
		SELECT COUNT(*), COALESCE(SUM(r.total_receipts), 0), COALESCE(SUM(r.system_sales), 0)
		FROM reconciliations r
		JOIN cashiers c ON c.id = r.cashier_id
		JOIN accountants a ON a.id = r.accountant_id
	` + where
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&stats.TotalReconciliations, &stats.TotalReceipts, &stats.TotalSales)
	if err != nil {
		return domain.StatsSummary{}, err
	}

	cashQuery := `
		SELECT COALESCE(SUM(cr.amount), 0)
		FROM cash_receipts cr
		JOIN reconciliations r ON r.id = cr.reconciliation_id
		JOIN cashiers c ON c.id = r.cashier_id
		JOIN accountants a ON a.id = r.accountant_id
	` + where
	err = s.db.QueryRowContext(ctx, cashQuery, args...).Scan(&stats.TotalCash)
	if err != nil {
		return domain.StatsSummary{}, err
	}

	return stats, nil
}

func (s *Store) GetReportDetail(ctx context.Context, id int64) (*domain.ReportDetail, error) {
	row, err := scanReportRow(s.db.QueryRowContext(ctx, reportSelect+` WHERE r.id = $1`, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	detail := &domain.ReportDetail{
		ReportRow:    row,
		BankReceipts: make([]domain.BankReceipt, 0, 4),
		CashReceipts: make([]domain.CashReceipt, 0, 4),
	}

	bankRows, err := s.db.QueryContext(ctx, `
		SELECT id, reconciliation_id, operation_type, amount
		FROM bank_receipts
		WHERE reconciliation_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer bankRows.Close()
	for bankRows.Next() {
		var receipt domain.BankReceipt
		if err := bankRows.Scan(&receipt.ID, &receipt.ReconciliationID, &receipt.Label, &receipt.Amount); err != nil {
			return nil, err
		}
		detail.BankReceipts = append(detail.BankReceipts, receipt)
	}
	if err := bankRows.Err(); err != nil {
		return nil, err
	}

	cashRows, err := s.db.QueryContext(ctx, `
		SELECT id, reconciliation_id, amount, note
		FROM cash_receipts
		WHERE reconciliation_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer cashRows.Close()
	for cashRows.Next() {
		var receipt domain.CashReceipt
		if err := cashRows.Scan(&receipt.ID, &receipt.ReconciliationID, &receipt.Amount, &receipt.Note); err != nil {
			return nil, err
		}
		detail.CashReceipts = append(detail.CashReceipts, receipt)
	}
	if err := cashRows.Err(); err != nil {
		return nil, err
	}

	return detail, nil
}
