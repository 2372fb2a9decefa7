package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusDraft     = "draft"
	StatusCompleted = "completed"
)

type Branch struct {
	ID     int64  `json:"id"`
	Name   string `json:"branch_name"`
	Active bool   `json:"active"`
}

type Cashier struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	CashierNumber string `json:"cashier_number"`
	BranchID      *int64 `json:"branch_id,omitempty"`
	Active        bool   `json:"active"`
}

type Accountant struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

type Admin struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Name         string `json:"name"`
}

// Reconciliation is the root aggregate: a per-cashier, per-date cash-drawer
// closing record. BankReceipt and CashReceipt rows are owned by exactly one
// reconciliation and are removed with it.
type Reconciliation struct {
	ID             int64           `json:"id"`
	Number         int64           `json:"reconciliation_number"`
	CashierID      int64           `json:"cashier_id"`
	AccountantID   int64           `json:"accountant_id"`
	Date           time.Time       `json:"date"`
	SystemSales    decimal.Decimal `json:"system_sales"`
	TotalReceipts  decimal.Decimal `json:"total_receipts"`
	SurplusDeficit decimal.Decimal `json:"surplus_deficit"`
	Status         string          `json:"status"`
	Notes          string          `json:"notes"`
}

type BankReceipt struct {
	ID               int64           `json:"id"`
	ReconciliationID int64           `json:"reconciliation_id"`
	Label            string          `json:"operation_type"`
	Amount           decimal.Decimal `json:"amount"`
}

type CashReceipt struct {
	ID               int64           `json:"id"`
	ReconciliationID int64           `json:"reconciliation_id"`
	Amount           decimal.Decimal `json:"amount"`
	Note             string          `json:"note"`
}

// ---- sync push payload (wire format from the desktop client) ----

// SyncData is the per-collection opt-in payload. A nil slice means the desktop
// did not sync that collection in this call; a present-but-empty slice means
// "the desktop has zero records" and clears the stored collection. The JSON
// decoder preserves that distinction (absent key -> nil, [] -> empty non-nil).
type SyncData struct {
	Admins          []SyncAdmin          `json:"admins"`
	Cashiers        []SyncCashier        `json:"cashiers"`
	Branches        []SyncBranch         `json:"branches"`
	Accountants     []SyncAccountant     `json:"accountants"`
	Reconciliations []SyncReconciliation `json:"reconciliations"`
	BankReceipts    []SyncBankReceipt    `json:"bankReceipts"`
	CashReceipts    []SyncCashReceipt    `json:"cashReceipts"`
}

type SyncPushRequest struct {
	APIKey   string   `json:"apiKey" validate:"required"`
	SourceID string   `json:"sourceId"`
	Data     SyncData `json:"data"`
}

type SyncAdmin struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
	Name     string `json:"name"`
}

type SyncBranch struct {
	ID     int64  `json:"id" validate:"required,gt=0"`
	Name   string `json:"branch_name"`
	Active bool   `json:"active"`
}

type SyncCashier struct {
	ID            int64  `json:"id" validate:"required,gt=0"`
	Name          string `json:"name"`
	CashierNumber string `json:"cashier_number"`
	BranchID      *int64 `json:"branch_id"`
	Active        bool   `json:"active"`
}

type SyncAccountant struct {
	ID       int64  `json:"id" validate:"required,gt=0"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

type SyncReconciliation struct {
	ID             int64           `json:"id" validate:"required,gt=0"`
	Number         int64           `json:"reconciliation_number"`
	CashierID      int64           `json:"cashier_id" validate:"required,gt=0"`
	AccountantID   int64           `json:"accountant_id"`
	Date           string          `json:"date" validate:"required"`
	SystemSales    decimal.Decimal `json:"system_sales"`
	TotalReceipts  decimal.Decimal `json:"total_receipts"`
	SurplusDeficit decimal.Decimal `json:"surplus_deficit"`
	Status         string          `json:"status" validate:"omitempty,oneof=draft completed"`
	Notes          string          `json:"notes"`
}

// SyncBankReceipt carries both the current operation_type field and the legacy
// bank_name field older desktop builds still send.
type SyncBankReceipt struct {
	ID               int64           `json:"id" validate:"required,gt=0"`
	ReconciliationID int64           `json:"reconciliation_id" validate:"required,gt=0"`
	OperationType    string          `json:"operation_type"`
	BankName         string          `json:"bank_name"`
	Amount           decimal.Decimal `json:"amount"`
}

// SyncCashReceipt accepts the amount under either total_amount (current) or
// amount (legacy); note may be synthesized from the legacy denomination field.
type SyncCashReceipt struct {
	ID               int64            `json:"id" validate:"required,gt=0"`
	ReconciliationID int64            `json:"reconciliation_id" validate:"required,gt=0"`
	TotalAmount      *decimal.Decimal `json:"total_amount"`
	Amount           *decimal.Decimal `json:"amount"`
	Note             string           `json:"note"`
	Denomination     string           `json:"denomination"`
}

// ---- normalized batch handed to the store ----

// SyncApply is the validated, normalized batch the store applies in one
// transaction. Slice nil-ness carries the same absent-vs-empty meaning as
// SyncData.
type SyncApply struct {
	Admins          []Admin
	Cashiers        []Cashier
	Branches        []Branch
	Accountants     []Accountant
	Reconciliations []Reconciliation
	BankReceipts    []BankReceipt
	CashReceipts    []CashReceipt
}

// CompletedReconciliation identifies a reconciliation that transitioned into
// completed status during a push.
type CompletedReconciliation struct {
	ID        int64
	Number    int64
	CashierID int64
}

type SyncResult struct {
	Admins          int
	Cashiers        int
	Branches        int
	Accountants     int
	Reconciliations int
	BankReceipts    int
	CashReceipts    int
	NewlyCompleted  []CompletedReconciliation
}

type SyncReport struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ---- reporting ----

// ReportFilter fields are AND-combined; nil/empty fields impose no constraint.
type ReportFilter struct {
	DateFrom  *time.Time
	DateTo    *time.Time
	Status    string
	BranchID  *int64
	CashierID *int64
}

type ReportRow struct {
	ID             int64           `json:"id"`
	Number         int64           `json:"reconciliation_number"`
	Date           string          `json:"date"`
	Status         string          `json:"status"`
	CashierID      int64           `json:"cashier_id"`
	CashierName    string          `json:"cashier_name"`
	CashierNumber  string          `json:"cashier_number"`
	AccountantName string          `json:"accountant_name"`
	BranchID       *int64          `json:"branch_id,omitempty"`
	BranchName     *string         `json:"branch_name,omitempty"`
	SystemSales    decimal.Decimal `json:"system_sales"`
	TotalReceipts  decimal.Decimal `json:"total_receipts"`
	SurplusDeficit decimal.Decimal `json:"surplus_deficit"`
	Notes          string          `json:"notes"`
}

type ReportDetail struct {
	ReportRow
	BankReceipts []BankReceipt `json:"bankReceipts"`
	CashReceipts []CashReceipt `json:"cashReceipts"`
}

type StatsSummary struct {
	TotalReconciliations int64           `json:"totalReconciliations"`
	TotalReceipts        decimal.Decimal `json:"totalReceipts"`
	TotalSales           decimal.Decimal `json:"totalSales"`
	TotalCash            decimal.Decimal `json:"totalCash"`
}

type MetadataBranch struct {
	ID   int64  `json:"id"`
	Name string `json:"branch_name"`
}

type MetadataCashier struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	CashierNumber string `json:"cashier_number"`
}

type Metadata struct {
	Branches []MetadataBranch `json:"branches"`
	Cashiers []MetadataCashier `json:"cashiers"`
}

// ---- auth ----

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type AdminProfile struct {
	Name     string `json:"name"`
	Username string `json:"username"`
}

type LoginResponse struct {
	Success bool         `json:"success"`
	Token   string       `json:"token"`
	User    AdminProfile `json:"user"`
}

// Principal is the authenticated identity held by the session store for the
// lifetime of a bearer token.
type Principal struct {
	AdminID  int64  `json:"admin_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}
