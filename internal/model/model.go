// Package model содержит доменные сущности сервиса retainerflow.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role описывает роль аутентифицированного пользователя.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleLawyer     Role = "lawyer"
	RoleAgent      Role = "agent"
	RoleAccounts   Role = "accounts"
)

// IsValidRole проверяет, что строка является известной ролью.
func IsValidRole(s string) bool {
	switch Role(s) {
	case RoleSuperAdmin, RoleAdmin, RoleLawyer, RoleAgent, RoleAccounts:
		return true
	}
	return false
}

// InboundStatus описывает состояние входящего платежа (от адвоката платформе).
type InboundStatus string

// OutboundStatus описывает состояние исходящего платежа (платформа платит вендору лидов).
type OutboundStatus string

const (
	InboundPending  InboundStatus = "pending"
	InboundReceived InboundStatus = "received"

	OutboundLocked OutboundStatus = "locked"
	OutboundPaid   OutboundStatus = "paid"
)

// PaymentState — пара платёжных статусов сделки. Значение выводится из
// текущего этапа воронки и никогда не задаётся независимо.
type PaymentState struct {
	Inbound  InboundStatus  `json:"inbound"`
	Outbound OutboundStatus `json:"outbound"`
}

// Deal представляет сделку (ретейнер), движущуюся по воронке расчётов.
type Deal struct {
	ID                 uuid.UUID
	SubmissionID       string
	InsuredName        string
	Phone              string
	LeadSource         string
	Status             string
	LawyerID           *uuid.UUID
	CenterID           *uuid.UUID
	FaceAmount         decimal.Decimal
	InvoiceID          *uuid.UUID
	PublisherInvoiceID *uuid.UUID
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// InvoiceType описывает тип счёта: адвокату или вендору лидов.
type InvoiceType string

const (
	InvoiceTypeLawyer    InvoiceType = "lawyer"
	InvoiceTypePublisher InvoiceType = "publisher"
)

// IsValidInvoiceType проверяет, что строка является известным типом счёта.
func IsValidInvoiceType(s string) bool {
	return InvoiceType(s) == InvoiceTypeLawyer || InvoiceType(s) == InvoiceTypePublisher
}

// InvoiceStatus описывает статус оплаты счёта.
type InvoiceStatus string

const (
	InvoiceStatusPending    InvoiceStatus = "pending"
	InvoiceStatusPaid       InvoiceStatus = "paid"
	InvoiceStatusChargeback InvoiceStatus = "chargeback"
)

// IsValidInvoiceStatus проверяет, что строка является известным статусом счёта.
func IsValidInvoiceStatus(s string) bool {
	switch InvoiceStatus(s) {
	case InvoiceStatusPending, InvoiceStatusPaid, InvoiceStatusChargeback:
		return true
	}
	return false
}

// LineItem — строка счёта. Amount всегда пересчитывается движком,
// переданное вызывающей стороной значение не используется.
type LineItem struct {
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Amount      decimal.Decimal
}

// Invoice представляет счёт, выставленный адвокату или вендору лидов.
type Invoice struct {
	ID             uuid.UUID
	Number         string
	Type           InvoiceType
	CounterpartyID uuid.UUID
	Items          []LineItem
	Subtotal       decimal.Decimal
	TaxRate        decimal.Decimal
	TaxAmount      decimal.Decimal
	TotalAmount    decimal.Decimal
	Status         InvoiceStatus
	DealIDs        []uuid.UUID
	PeriodFrom     time.Time
	PeriodTo       time.Time
	DueDate        time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
