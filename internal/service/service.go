// Package service реализует бизнес-логику сервиса retainerflow.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mkossov/retainerflow/internal/invoice"
	"github.com/mkossov/retainerflow/internal/ledger"
	"github.com/mkossov/retainerflow/internal/model"
	"github.com/mkossov/retainerflow/internal/pipeline"
)

// ErrInvoiceTypeMismatch возвращается, когда при редактировании счёта
// присылается другой тип: тип счёта неизменяем.
var ErrInvoiceTypeMismatch = errors.New("invoice type cannot be changed")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetDeals(ctx context.Context, lawyerID *uuid.UUID) ([]model.Deal, error)
	GetDealByID(ctx context.Context, dealID uuid.UUID) (*model.Deal, error)
	UpdateDealStage(ctx context.Context, dealID uuid.UUID, oldStatus, newStatus string) error
	CountInvoicesForYear(ctx context.Context, year int) (int, error)
	CreateInvoice(ctx context.Context, inv *model.Invoice) error
	UpdateInvoice(ctx context.Context, inv *model.Invoice) error
	UpdateInvoiceStatus(ctx context.Context, invoiceID uuid.UUID, oldStatus, newStatus model.InvoiceStatus) error
	GetInvoiceByID(ctx context.Context, invoiceID uuid.UUID) (*model.Invoice, error)
	GetInvoices(ctx context.Context, t model.InvoiceType) ([]model.Invoice, error)
	LinkDeals(ctx context.Context, dealIDs []uuid.UUID, invoiceID uuid.UUID, t model.InvoiceType) (int64, error)
	UnlinkDeals(ctx context.Context, invoiceID uuid.UUID, t model.InvoiceType) (int64, error)
}

// Service содержит бизнес-логику сервиса retainerflow.
type Service struct {
	repo       Repository
	ledger     *ledger.Ledger
	controller *ledger.Controller
	linker     *invoice.Linker
	logger     *zap.Logger
}

// NewService собирает сервис из репозитория и журнала расчётов.
// Ledger и Controller создаются здесь и принадлежат экземпляру сервиса,
// глобального состояния нет.
func NewService(repo Repository, logger *zap.Logger) *Service {
	l := ledger.New(repo, logger)
	return &Service{
		repo:       repo,
		ledger:     l,
		controller: ledger.NewController(l, repo, logger),
		linker:     invoice.NewLinker(repo, logger),
		logger:     logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// SettlementDeal — сделка вместе с платёжным состоянием для доски расчётов.
type SettlementDeal struct {
	Deal           model.Deal
	Payment        model.PaymentState
	CanPayOutbound bool
}

// SettlementView загружает сделки воронки в журнал и возвращает представление
// доски. Для роли lawyer передаётся lawyerID, выборка сужается до его сделок.
func (s *Service) SettlementView(ctx context.Context, lawyerID *uuid.UUID) ([]SettlementDeal, error) {
	deals, err := s.repo.GetDeals(ctx, lawyerID)
	if err != nil {
		return nil, err
	}

	s.ledger.Load(deals)

	view := make([]SettlementDeal, 0, len(deals))
	for _, d := range deals {
		entry, ok := s.ledger.Snapshot(d.ID)
		if !ok {
			entry = ledger.Entry{Status: d.Status, Payment: pipeline.Derive(d.Status)}
		}
		d.Status = entry.Status
		view = append(view, SettlementDeal{
			Deal:           d,
			Payment:        entry.Payment,
			CanPayOutbound: s.ledger.CanPayOutbound(d.ID),
		})
	}

	return view, nil
}

// ensureTracked подтягивает сделку в журнал из хранилища, если её там нет.
func (s *Service) ensureTracked(ctx context.Context, dealID uuid.UUID) error {
	if _, ok := s.ledger.Snapshot(dealID); ok {
		return nil
	}

	d, err := s.repo.GetDealByID(ctx, dealID)
	if err != nil {
		return err
	}
	s.ledger.Track(*d)
	return nil
}

// TransitionDeal проводит смену этапа сделки (сброс карточки в колонку).
func (s *Service) TransitionDeal(ctx context.Context, dealID uuid.UUID, targetLabel string) error {
	if err := s.ensureTracked(ctx, dealID); err != nil {
		return err
	}
	return s.controller.Drop(ctx, dealID, targetLabel)
}

// MarkInboundReceived отмечает входящий платёж сделки полученным.
func (s *Service) MarkInboundReceived(ctx context.Context, dealID uuid.UUID) error {
	if err := s.ensureTracked(ctx, dealID); err != nil {
		return err
	}
	return s.ledger.MarkInboundReceived(dealID)
}

// CanPayOutbound сообщает, разрешён ли исходящий платёж по сделке.
func (s *Service) CanPayOutbound(dealID uuid.UUID) bool {
	return s.ledger.CanPayOutbound(dealID)
}

// PayOutbound проводит исходящий платёж вендору лидов.
func (s *Service) PayOutbound(ctx context.Context, dealID uuid.UUID) error {
	if err := s.ensureTracked(ctx, dealID); err != nil {
		return err
	}
	return s.ledger.PayOutbound(ctx, dealID)
}

// CreateInvoice валидирует форму, считает итоги, генерирует номер,
// сохраняет счёт и привязывает сделки.
func (s *Service) CreateInvoice(ctx context.Context, form invoice.Form) (*model.Invoice, invoice.LinkResult, error) {
	if err := invoice.ValidateForm(form); err != nil {
		return nil, invoice.LinkResult{}, err
	}

	items := invoice.ValidateLineItems(form.Items)
	totals := invoice.ComputeTotals(items, form.TaxRate)

	year := time.Now().Year()
	count, err := s.repo.CountInvoicesForYear(ctx, year)
	if err != nil {
		return nil, invoice.LinkResult{}, err
	}

	inv := &model.Invoice{
		ID:             uuid.New(),
		Number:         invoice.GenerateInvoiceNumber(year, count),
		Type:           form.Type,
		CounterpartyID: form.CounterpartyID,
		Items:          items,
		Subtotal:       totals.Subtotal,
		TaxRate:        form.TaxRate,
		TaxAmount:      totals.TaxAmount,
		TotalAmount:    totals.TotalAmount,
		Status:         model.InvoiceStatusPending,
		PeriodFrom:     form.PeriodFrom,
		PeriodTo:       form.PeriodTo,
		DueDate:        form.DueDate,
	}

	if err := s.repo.CreateInvoice(ctx, inv); err != nil {
		return nil, invoice.LinkResult{}, err
	}

	res, err := s.linker.Link(ctx, form.DealIDs, inv.ID, inv.Type)
	if err != nil {
		return inv, res, err
	}
	if inv.DealIDs, err = s.linkedDealIDs(ctx, inv.ID, form.DealIDs, res); err != nil {
		return inv, res, err
	}

	return inv, res, nil
}

// linkedDealIDs возвращает фактически привязанный набор сделок. При полной
// привязке это запрошенный набор; при частичной хранилище перечитывается,
// чтобы ответ не приписывал счёту непривязанные сделки.
func (s *Service) linkedDealIDs(ctx context.Context, invoiceID uuid.UUID, requested []uuid.UUID, res invoice.LinkResult) ([]uuid.UUID, error) {
	if !res.Partial {
		return requested, nil
	}
	fresh, err := s.repo.GetInvoiceByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	return fresh.DealIDs, nil
}

// UpdateInvoice редактирует счёт. Порядок строгий: отвязать старый набор
// сделок, сохранить изменения счёта, привязать новый набор. Шаги намеренно
// не обёрнуты в одну транзакцию — сбой посередине оставляет счёт без
// привязок, но никогда не оставляет сделку привязанной к устаревшей версии.
func (s *Service) UpdateInvoice(ctx context.Context, invoiceID uuid.UUID, form invoice.Form) (*model.Invoice, invoice.LinkResult, error) {
	if err := invoice.ValidateForm(form); err != nil {
		return nil, invoice.LinkResult{}, err
	}

	existing, err := s.repo.GetInvoiceByID(ctx, invoiceID)
	if err != nil {
		return nil, invoice.LinkResult{}, err
	}
	if form.Type != "" && form.Type != existing.Type {
		return nil, invoice.LinkResult{}, ErrInvoiceTypeMismatch
	}

	if _, err := s.linker.Unlink(ctx, invoiceID, existing.Type); err != nil {
		return nil, invoice.LinkResult{}, err
	}

	items := invoice.ValidateLineItems(form.Items)
	totals := invoice.ComputeTotals(items, form.TaxRate)

	updated := *existing
	updated.CounterpartyID = form.CounterpartyID
	updated.Items = items
	updated.Subtotal = totals.Subtotal
	updated.TaxRate = form.TaxRate
	updated.TaxAmount = totals.TaxAmount
	updated.TotalAmount = totals.TotalAmount
	updated.PeriodFrom = form.PeriodFrom
	updated.PeriodTo = form.PeriodTo
	updated.DueDate = form.DueDate

	if err := s.repo.UpdateInvoice(ctx, &updated); err != nil {
		return nil, invoice.LinkResult{}, err
	}

	res, err := s.linker.Link(ctx, form.DealIDs, invoiceID, existing.Type)
	if err != nil {
		return &updated, res, err
	}
	if updated.DealIDs, err = s.linkedDealIDs(ctx, invoiceID, form.DealIDs, res); err != nil {
		return &updated, res, err
	}

	return &updated, res, nil
}

// SetInvoiceStatus переводит счёт в новый статус по таблице допустимых переходов.
func (s *Service) SetInvoiceStatus(ctx context.Context, invoiceID uuid.UUID, newStatus model.InvoiceStatus) error {
	existing, err := s.repo.GetInvoiceByID(ctx, invoiceID)
	if err != nil {
		return err
	}

	if err := pipeline.ValidateInvoiceTransition(existing.Status, newStatus); err != nil {
		return err
	}

	if err := s.repo.UpdateInvoiceStatus(ctx, invoiceID, existing.Status, newStatus); err != nil {
		return err
	}

	s.logger.Info("invoice status changed",
		zap.String("invoiceID", invoiceID.String()),
		zap.String("from", string(existing.Status)),
		zap.String("to", string(newStatus)),
	)
	return nil
}

// GetInvoices возвращает счета указанного типа.
func (s *Service) GetInvoices(ctx context.Context, t model.InvoiceType) ([]model.Invoice, error) {
	if !model.IsValidInvoiceType(string(t)) {
		return nil, fmt.Errorf("unknown invoice type %q", t)
	}
	return s.repo.GetInvoices(ctx, t)
}

// GetInvoice возвращает счёт со строками и привязанными сделками.
func (s *Service) GetInvoice(ctx context.Context, invoiceID uuid.UUID) (*model.Invoice, error) {
	return s.repo.GetInvoiceByID(ctx, invoiceID)
}
