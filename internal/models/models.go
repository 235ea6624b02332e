package models

import "time"

type TaskKind string

const (
	TaskKindImage TaskKind = "image"
	TaskKindVideo TaskKind = "video"
	TaskKindEdit  TaskKind = "edit"
)

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether a status can never change again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCancelled, TaskStatusSucceeded, TaskStatusFailed:
		return true
	}
	return false
}

// TaskPayload carries the generation parameters supplied by the requester.
type TaskPayload struct {
	Prompt          string   `json:"prompt"`
	AspectRatio     string   `json:"aspect_ratio,omitempty"`
	InputURLs       []string `json:"input_urls,omitempty"`
	DurationSeconds int      `json:"duration_seconds,omitempty"`
}

type Task struct {
	ID        int64
	TaskID    string
	UserID    int64
	ChatID    int64
	Kind      TaskKind
	Payload   TaskPayload
	Cost      int
	RequestID string
	Status    TaskStatus
	CreatedAt time.Time
	DoneAt    *time.Time
}

// LedgerReason identifies why a credit movement happened. Reasons sharing a
// class are mutually idempotent for the same reference id.
type LedgerReason string

const (
	ReasonGeneration    LedgerReason = "generation"
	ReasonRefundTimeout LedgerReason = "refund-timeout"
	ReasonRefundError   LedgerReason = "refund-error"
	ReasonRefundCancel  LedgerReason = "refund-cancel"
	ReasonTopup         LedgerReason = "topup"
	ReasonPromo         LedgerReason = "promo"
	ReasonWelcome       LedgerReason = "welcome"
)

// Class collapses refund variants into one idempotency class so that at most
// one refund is ever recorded per request id, whichever path issued it.
func (r LedgerReason) Class() string {
	switch r {
	case ReasonRefundTimeout, ReasonRefundError, ReasonRefundCancel:
		return "refund"
	case ReasonGeneration:
		return "debit"
	default:
		return string(r)
	}
}

type LedgerEntry struct {
	ID           int64
	UserID       int64
	Amount       int
	Reason       LedgerReason
	ReasonClass  string
	ReferenceID  string
	BalanceAfter int
	CreatedAt    time.Time
}

type User struct {
	ID         int64
	TelegramID int64
	Username   string
	FirstName  string
	LastName   string
	Balance    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Payment struct {
	ID             int64
	UserID         int64
	PackageID      *int64
	Provider       string
	ProviderCharge string
	Currency       string
	Amount         int
	Credits        int
	Status         string
	RawPayload     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Package struct {
	ID              int64
	Title           string
	Description     string
	Currency        string
	PriceMinorUnits int
	Credits         int
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type PromoCode struct {
	ID        int64
	Code      string
	Credits   int
	MaxUses   int
	Uses      int
	CreatedAt time.Time
}
