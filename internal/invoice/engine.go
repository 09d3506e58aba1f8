// Package invoice реализует расчёт счетов: валидацию строк, подсчёт итогов,
// генерацию номеров и привязку сделок к счетам.
package invoice

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mkossov/retainerflow/internal/model"
)

// Ошибки валидации формы счёта. Отклоняются до любого обращения к хранилищу.
var (
	ErrNoCounterparty   = errors.New("counterparty is required")
	ErrIncompletePeriod = errors.New("billing period is incomplete")
	ErrNoDueDate        = errors.New("due date is required")
	ErrNoValidItems     = errors.New("at least one valid line item is required")
	ErrBadTaxRate       = errors.New("tax rate must be within [0, 1]")
)

// round2 округляет до двух знаков, половина — от нуля.
// Семантика совпадает с Math.round(x*100)/100 для неотрицательных сумм.
func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ValidateLineItems отбрасывает некорректные строки и пересчитывает их суммы.
// Строка корректна, когда описание непустое, количество и цена положительны.
// Amount всегда пересчитывается: значению из формы доверять нельзя.
func ValidateLineItems(items []model.LineItem) []model.LineItem {
	valid := make([]model.LineItem, 0, len(items))
	for _, it := range items {
		if strings.TrimSpace(it.Description) == "" {
			continue
		}
		if !it.Quantity.IsPositive() || !it.UnitPrice.IsPositive() {
			continue
		}
		it.Amount = round2(it.Quantity.Mul(it.UnitPrice))
		valid = append(valid, it)
	}
	return valid
}

// Totals содержит итоги счёта, каждый округлён до двух знаков.
type Totals struct {
	Subtotal    decimal.Decimal
	TaxAmount   decimal.Decimal
	TotalAmount decimal.Decimal
}

// ComputeTotals считает итоги по уже валидированным строкам.
// Порядок округления фиксирован: суммы строк, затем налог, затем итог.
// Менять его нельзя — иначе итоги разойдутся с историческими счетами на цент.
func ComputeTotals(validItems []model.LineItem, taxRate decimal.Decimal) Totals {
	subtotal := decimal.Zero
	for _, it := range validItems {
		subtotal = subtotal.Add(it.Amount)
	}
	subtotal = round2(subtotal)

	taxAmount := round2(subtotal.Mul(taxRate))

	return Totals{
		Subtotal:    subtotal,
		TaxAmount:   taxAmount,
		TotalAmount: subtotal.Add(taxAmount),
	}
}

// GenerateInvoiceNumber строит номер вида INV-<год>-<порядковый номер из 4 цифр>
// по числу уже существующих счетов за год. Схема count-then-use: номер не
// резервируется, при конкурентном создании счетов возможен дубликат
// (уникальный индекс в БД отвергнет второй insert).
func GenerateInvoiceNumber(year int, existingCountForYear int) string {
	return fmt.Sprintf("INV-%d-%04d", year, existingCountForYear+1)
}

// Form — входные данные формы создания или редактирования счёта.
type Form struct {
	Type           model.InvoiceType
	CounterpartyID uuid.UUID
	Items          []model.LineItem
	TaxRate        decimal.Decimal
	DealIDs        []uuid.UUID
	PeriodFrom     time.Time
	PeriodTo       time.Time
	DueDate        time.Time
}

// ValidateForm проверяет форму счёта и возвращает первую найденную ошибку.
func ValidateForm(f Form) error {
	if f.CounterpartyID == uuid.Nil {
		return ErrNoCounterparty
	}
	if f.PeriodFrom.IsZero() || f.PeriodTo.IsZero() {
		return ErrIncompletePeriod
	}
	if f.DueDate.IsZero() {
		return ErrNoDueDate
	}
	if f.TaxRate.IsNegative() || f.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return ErrBadTaxRate
	}
	if len(ValidateLineItems(f.Items)) == 0 {
		return ErrNoValidItems
	}
	return nil
}

// CanSubmit сообщает, готова ли форма к отправке.
func CanSubmit(f Form) bool {
	return ValidateForm(f) == nil
}
