// Package ledger содержит рабочее представление воронки расчётов:
// текущий этап и платёжное состояние каждой сделки, предохранитель
// «входящий платёж раньше исходящего» и оптимистичные переходы этапов.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mkossov/retainerflow/internal/model"
	"github.com/mkossov/retainerflow/internal/pipeline"
)

var (
	// ErrDealNotTracked возвращается, если сделки нет в рабочем представлении.
	ErrDealNotTracked = errors.New("deal is not tracked by the ledger")
	// ErrNotEligible возвращается, когда операция над платёжным состоянием недопустима.
	ErrNotEligible = errors.New("deal is not eligible for this payment operation")
)

// StagePersister описывает контракт сохранения этапа сделки в хранилище.
// Обновление обусловлено ожидаемым старым этапом: ноль изменённых строк
// означает устаревшее представление и приводит к откату.
type StagePersister interface {
	UpdateDealStage(ctx context.Context, dealID uuid.UUID, oldStatus, newStatus string) error
}

// Entry — этап и платёжное состояние одной сделки в рабочем представлении.
type Entry struct {
	Status  string
	Payment model.PaymentState
}

// Ledger хранит рабочее представление воронки. Экземпляр принадлежит
// контексту приложения и передаётся зависимостью, а не глобальным синглтоном.
// Хранилище остаётся системой записи: при конфликте оно всегда право.
type Ledger struct {
	mu     sync.Mutex
	deals  map[uuid.UUID]Entry
	store  StagePersister
	logger *zap.Logger
}

// New создаёт пустой Ledger поверх указанного хранилища.
func New(store StagePersister, logger *zap.Logger) *Ledger {
	return &Ledger{
		deals:  make(map[uuid.UUID]Entry),
		store:  store,
		logger: logger,
	}
}

// Load вносит сделки из хранилища в рабочее представление. Платёжное
// состояние выводится из этапа; запись с неизменившимся этапом не трогается,
// чтобы не потерять локальную пометку о полученном входящем платеже.
func (l *Ledger) Load(deals []model.Deal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, d := range deals {
		l.track(d)
	}
}

// Track вносит одну сделку в рабочее представление по тем же правилам, что и Load.
func (l *Ledger) Track(d model.Deal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.track(d)
}

func (l *Ledger) track(d model.Deal) {
	if e, ok := l.deals[d.ID]; ok && e.Status == d.Status {
		return
	}
	l.deals[d.ID] = Entry{
		Status:  d.Status,
		Payment: pipeline.Derive(d.Status),
	}
}

// Snapshot возвращает текущую запись сделки.
func (l *Ledger) Snapshot(dealID uuid.UUID) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.deals[dealID]
	return e, ok
}

// Entries возвращает копию всего рабочего представления.
func (l *Ledger) Entries() map[uuid.UUID]Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[uuid.UUID]Entry, len(l.deals))
	for id, e := range l.deals {
		out[id] = e
	}
	return out
}

func (l *Ledger) set(dealID uuid.UUID, e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deals[dealID] = e
}

// MarkInboundReceived отмечает входящий платёж полученным. Допустимо только
// пока платёж в статусе pending и сделка не на финальном этапе; повторный
// вызов ничего не меняет и сообщает о неприменимости.
func (l *Ledger) MarkInboundReceived(dealID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.deals[dealID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDealNotTracked, dealID)
	}

	if e.Payment.Inbound != model.InboundPending || pipeline.IsTerminalLabel(e.Status) {
		return fmt.Errorf("%w: mark inbound on %s", ErrNotEligible, dealID)
	}

	e.Payment.Inbound = model.InboundReceived
	l.deals[dealID] = e
	return nil
}

// CanPayOutbound — предикат предохранителя. Единственный источник истины
// для любой кнопки «Pay BPO» и для самого PayOutbound: исходящий платёж
// возможен только после получения входящего и только один раз.
func (l *Ledger) CanPayOutbound(dealID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.deals[dealID]
	if !ok {
		return false
	}

	return !pipeline.IsTerminalLabel(e.Status) &&
		e.Payment.Outbound != model.OutboundPaid &&
		e.Payment.Inbound == model.InboundReceived
}

// PayOutbound проводит исходящий платёж: переводит сделку на финальный этап
// "Paid to BPO" оптимистично, сохраняет этап в хранилище и откатывает
// представление, если запись не удалась.
func (l *Ledger) PayOutbound(ctx context.Context, dealID uuid.UUID) error {
	l.mu.Lock()
	e, ok := l.deals[dealID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDealNotTracked, dealID)
	}

	eligible := !pipeline.IsTerminalLabel(e.Status) &&
		e.Payment.Outbound != model.OutboundPaid &&
		e.Payment.Inbound == model.InboundReceived
	if !eligible {
		l.mu.Unlock()
		return fmt.Errorf("%w: pay outbound on %s", ErrNotEligible, dealID)
	}

	old := e
	e.Status = pipeline.LabelPaidToBPO
	e.Payment = pipeline.Derive(pipeline.LabelPaidToBPO)
	l.deals[dealID] = e
	l.mu.Unlock()

	if err := l.store.UpdateDealStage(ctx, dealID, old.Status, pipeline.LabelPaidToBPO); err != nil {
		l.set(dealID, old)
		l.logger.Error("pay outbound rolled back",
			zap.String("dealID", dealID.String()),
			zap.String("stage", old.Status),
			zap.Error(err),
		)
		return fmt.Errorf("persist outbound payment: %w", err)
	}

	return nil
}
