// Package handler содержит HTTP-обработчики API сервиса retainerflow.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mkossov/retainerflow/internal/invoice"
	"github.com/mkossov/retainerflow/internal/ledger"
	"github.com/mkossov/retainerflow/internal/middleware"
	"github.com/mkossov/retainerflow/internal/model"
	"github.com/mkossov/retainerflow/internal/pipeline"
	"github.com/mkossov/retainerflow/internal/repository"
	"github.com/mkossov/retainerflow/internal/service"
)

const dateLayout = "2006-01-02"

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	SettlementView(ctx context.Context, lawyerID *uuid.UUID) ([]service.SettlementDeal, error)
	TransitionDeal(ctx context.Context, dealID uuid.UUID, targetLabel string) error
	MarkInboundReceived(ctx context.Context, dealID uuid.UUID) error
	PayOutbound(ctx context.Context, dealID uuid.UUID) error
	CreateInvoice(ctx context.Context, form invoice.Form) (*model.Invoice, invoice.LinkResult, error)
	UpdateInvoice(ctx context.Context, invoiceID uuid.UUID, form invoice.Form) (*model.Invoice, invoice.LinkResult, error)
	SetInvoiceStatus(ctx context.Context, invoiceID uuid.UUID, newStatus model.InvoiceStatus) error
	GetInvoices(ctx context.Context, t model.InvoiceType) ([]model.Invoice, error)
	GetInvoice(ctx context.Context, invoiceID uuid.UUID) (*model.Invoice, error)
}

// Handler реализует HTTP-обработчики API сервиса retainerflow.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError переводит доменную ошибку в HTTP-статус.
// Ошибки валидации — 400, отсутствие сущности — 404, конфликтные
// состояния и устаревшие представления — 409, остальное — 500.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, invoice.ErrNoCounterparty),
		errors.Is(err, invoice.ErrIncompletePeriod),
		errors.Is(err, invoice.ErrNoDueDate),
		errors.Is(err, invoice.ErrNoValidItems),
		errors.Is(err, invoice.ErrBadTaxRate),
		errors.Is(err, service.ErrInvoiceTypeMismatch):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})

	case errors.Is(err, repository.ErrDealNotFound),
		errors.Is(err, repository.ErrInvoiceNotFound),
		errors.Is(err, ledger.ErrDealNotTracked):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})

	case errors.Is(err, ledger.ErrNotEligible),
		errors.Is(err, ledger.ErrUnknownStage),
		errors.Is(err, ledger.ErrTerminalStage),
		errors.Is(err, ledger.ErrTransitionInFlight),
		errors.Is(err, repository.ErrStaleStage),
		errors.Is(err, repository.ErrStaleInvoiceStatus),
		errors.Is(err, pipeline.ErrInvalidInvoiceTransition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})

	default:
		h.logger.Error("internal error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: http.StatusText(http.StatusInternalServerError)})
	}
}

func dealIDFromURL(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "dealID"))
}

func invoiceIDFromURL(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "invoiceID"))
}

// GetStages возвращает упорядоченный список этапов воронки.
func (h *Handler) GetStages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pipeline.Stages())
}

type dealResponse struct {
	ID                 string             `json:"id"`
	SubmissionID       string             `json:"submission_id"`
	InsuredName        string             `json:"insured_name"`
	Phone              string             `json:"phone,omitempty"`
	LeadSource         string             `json:"lead_source,omitempty"`
	Status             string             `json:"status"`
	LawyerID           *string            `json:"lawyer_id,omitempty"`
	CenterID           *string            `json:"center_id,omitempty"`
	FaceAmount         float64            `json:"face_amount"`
	InvoiceID          *string            `json:"invoice_id,omitempty"`
	PublisherInvoiceID *string            `json:"publisher_invoice_id,omitempty"`
	Payment            model.PaymentState `json:"payment"`
	CanPayOutbound     bool               `json:"can_pay_outbound"`
	CreatedAt          string             `json:"created_at"`
}

func uuidPtrToString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

// GetDeals возвращает доску расчётов. Роль lawyer видит только свои сделки.
func (h *Handler) GetDeals(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var lawyerID *uuid.UUID
	if identity.Role == model.RoleLawyer {
		lawyerID = &identity.UserID
	}

	view, err := h.service.SettlementView(r.Context(), lawyerID)
	if err != nil {
		h.logger.Error("settlement view error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]dealResponse, 0, len(view))
	for _, sd := range view {
		d := sd.Deal
		resp = append(resp, dealResponse{
			ID:                 d.ID.String(),
			SubmissionID:       d.SubmissionID,
			InsuredName:        d.InsuredName,
			Phone:              d.Phone,
			LeadSource:         d.LeadSource,
			Status:             d.Status,
			LawyerID:           uuidPtrToString(d.LawyerID),
			CenterID:           uuidPtrToString(d.CenterID),
			FaceAmount:         d.FaceAmount.InexactFloat64(),
			InvoiceID:          uuidPtrToString(d.InvoiceID),
			PublisherInvoiceID: uuidPtrToString(d.PublisherInvoiceID),
			Payment:            sd.Payment,
			CanPayOutbound:     sd.CanPayOutbound,
			CreatedAt:          d.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type transitionRequest struct {
	Status string `json:"status"`
}

// TransitionDeal обрабатывает сброс карточки в колонку этапа.
func (h *Handler) TransitionDeal(w http.ResponseWriter, r *http.Request) {
	dealID, err := dealIDFromURL(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.TransitionDeal(r.Context(), dealID, req.Status); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// MarkInboundReceived отмечает входящий платёж сделки полученным.
func (h *Handler) MarkInboundReceived(w http.ResponseWriter, r *http.Request) {
	dealID, err := dealIDFromURL(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.MarkInboundReceived(r.Context(), dealID); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// PayOutbound проводит исходящий платёж вендору лидов.
func (h *Handler) PayOutbound(w http.ResponseWriter, r *http.Request) {
	dealID, err := dealIDFromURL(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.PayOutbound(r.Context(), dealID); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type lineItemRequest struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

type invoiceRequest struct {
	Type           string            `json:"type"`
	CounterpartyID string            `json:"counterparty_id"`
	Items          []lineItemRequest `json:"items"`
	TaxRate        float64           `json:"tax_rate"`
	DealIDs        []string          `json:"deal_ids"`
	PeriodFrom     string            `json:"period_from"`
	PeriodTo       string            `json:"period_to"`
	DueDate        string            `json:"due_date"`
}

func (req invoiceRequest) toForm() (invoice.Form, error) {
	form := invoice.Form{
		Type:    model.InvoiceType(req.Type),
		TaxRate: decimal.NewFromFloat(req.TaxRate),
	}

	if req.Type != "" && !model.IsValidInvoiceType(req.Type) {
		return invoice.Form{}, errors.New("unknown invoice type")
	}

	if req.CounterpartyID != "" {
		id, err := uuid.Parse(req.CounterpartyID)
		if err != nil {
			return invoice.Form{}, errors.New("malformed counterparty id")
		}
		form.CounterpartyID = id
	}

	for _, it := range req.Items {
		form.Items = append(form.Items, model.LineItem{
			Description: it.Description,
			Quantity:    decimal.NewFromFloat(it.Quantity),
			UnitPrice:   decimal.NewFromFloat(it.UnitPrice),
		})
	}

	for _, raw := range req.DealIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return invoice.Form{}, errors.New("malformed deal id")
		}
		form.DealIDs = append(form.DealIDs, id)
	}

	var err error
	if req.PeriodFrom != "" {
		if form.PeriodFrom, err = time.Parse(dateLayout, req.PeriodFrom); err != nil {
			return invoice.Form{}, errors.New("malformed period_from")
		}
	}
	if req.PeriodTo != "" {
		if form.PeriodTo, err = time.Parse(dateLayout, req.PeriodTo); err != nil {
			return invoice.Form{}, errors.New("malformed period_to")
		}
	}
	if req.DueDate != "" {
		if form.DueDate, err = time.Parse(dateLayout, req.DueDate); err != nil {
			return invoice.Form{}, errors.New("malformed due_date")
		}
	}

	return form, nil
}

type lineItemResponse struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Amount      float64 `json:"amount"`
}

type invoiceResponse struct {
	ID             string             `json:"id"`
	Number         string             `json:"number"`
	Type           string             `json:"type"`
	CounterpartyID string             `json:"counterparty_id"`
	Items          []lineItemResponse `json:"items,omitempty"`
	Subtotal       float64            `json:"subtotal"`
	TaxRate        float64            `json:"tax_rate"`
	TaxAmount      float64            `json:"tax_amount"`
	TotalAmount    float64            `json:"total_amount"`
	Status         string             `json:"status"`
	DealIDs        []string           `json:"deal_ids,omitempty"`
	PeriodFrom     string             `json:"period_from"`
	PeriodTo       string             `json:"period_to"`
	DueDate        string             `json:"due_date"`
	LinkWarning    bool               `json:"link_warning,omitempty"`
}

func toInvoiceResponse(inv *model.Invoice) invoiceResponse {
	resp := invoiceResponse{
		ID:             inv.ID.String(),
		Number:         inv.Number,
		Type:           string(inv.Type),
		CounterpartyID: inv.CounterpartyID.String(),
		Subtotal:       inv.Subtotal.InexactFloat64(),
		TaxRate:        inv.TaxRate.InexactFloat64(),
		TaxAmount:      inv.TaxAmount.InexactFloat64(),
		TotalAmount:    inv.TotalAmount.InexactFloat64(),
		Status:         string(inv.Status),
		PeriodFrom:     inv.PeriodFrom.Format(dateLayout),
		PeriodTo:       inv.PeriodTo.Format(dateLayout),
		DueDate:        inv.DueDate.Format(dateLayout),
	}

	for _, it := range inv.Items {
		resp.Items = append(resp.Items, lineItemResponse{
			Description: it.Description,
			Quantity:    it.Quantity.InexactFloat64(),
			UnitPrice:   it.UnitPrice.InexactFloat64(),
			Amount:      it.Amount.InexactFloat64(),
		})
	}

	for _, id := range inv.DealIDs {
		resp.DealIDs = append(resp.DealIDs, id.String())
	}

	return resp
}

// CreateInvoice создаёт счёт: валидация, итоги, номер, привязка сделок.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req invoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	form, err := req.toForm()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	inv, res, err := h.service.CreateInvoice(r.Context(), form)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := toInvoiceResponse(inv)
	resp.LinkWarning = res.Partial
	writeJSON(w, http.StatusCreated, resp)
}

// UpdateInvoice редактирует счёт: отвязка старого набора сделок,
// сохранение изменений, привязка нового набора.
func (h *Handler) UpdateInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := invoiceIDFromURL(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req invoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	form, err := req.toForm()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	inv, res, err := h.service.UpdateInvoice(r.Context(), invoiceID, form)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := toInvoiceResponse(inv)
	resp.LinkWarning = res.Partial
	writeJSON(w, http.StatusOK, resp)
}

type invoiceStatusRequest struct {
	Status string `json:"status"`
}

// SetInvoiceStatus переводит счёт в новый статус.
func (h *Handler) SetInvoiceStatus(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := invoiceIDFromURL(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req invoiceStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !model.IsValidInvoiceStatus(req.Status) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetInvoiceStatus(r.Context(), invoiceID, model.InvoiceStatus(req.Status)); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetInvoices возвращает счета указанного в query-параметре type типа.
func (h *Handler) GetInvoices(w http.ResponseWriter, r *http.Request) {
	t := r.URL.Query().Get("type")
	if t == "" {
		t = string(model.InvoiceTypeLawyer)
	}
	if !model.IsValidInvoiceType(t) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown invoice type"})
		return
	}

	invoices, err := h.service.GetInvoices(r.Context(), model.InvoiceType(t))
	if err != nil {
		h.logger.Error("get invoices error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]invoiceResponse, 0, len(invoices))
	for i := range invoices {
		resp = append(resp, toInvoiceResponse(&invoices[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetInvoice возвращает счёт со строками и привязанными сделками.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := invoiceIDFromURL(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	inv, err := h.service.GetInvoice(r.Context(), invoiceID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
}
