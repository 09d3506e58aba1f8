package pipeline

import (
	"errors"
	"fmt"

	"github.com/mkossov/retainerflow/internal/model"
)

// ErrInvalidInvoiceTransition возвращается при недопустимом переходе статуса счёта.
var ErrInvalidInvoiceTransition = errors.New("invalid invoice status transition")

// invoiceTransitions задаёт допустимые переходы статуса счёта.
// Ключ — текущий статус, значение — множество допустимых целевых статусов.
var invoiceTransitions = map[model.InvoiceStatus][]model.InvoiceStatus{
	model.InvoiceStatusPending:    {model.InvoiceStatusPaid},
	model.InvoiceStatusPaid:       {model.InvoiceStatusChargeback},
	model.InvoiceStatusChargeback: {}, // финальный статус
}

// CanTransitionInvoice проверяет допустимость перехода статуса счёта.
func CanTransitionInvoice(from, to model.InvoiceStatus) bool {
	allowed, ok := invoiceTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateInvoiceTransition возвращает ошибку, если переход статуса счёта недопустим.
func ValidateInvoiceTransition(from, to model.InvoiceStatus) error {
	if !CanTransitionInvoice(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidInvoiceTransition, from, to)
	}
	return nil
}
