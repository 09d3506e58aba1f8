package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mkossov/retainerflow/internal/pipeline"
)

var (
	// ErrUnknownStage возвращается при попытке перевести сделку в незарегистрированный этап.
	ErrUnknownStage = errors.New("unknown pipeline stage")
	// ErrTerminalStage возвращается при попытке увести сделку с финального этапа.
	ErrTerminalStage = errors.New("deal is in a terminal stage")
	// ErrTransitionInFlight возвращается, пока предыдущий переход той же сделки не завершён.
	ErrTransitionInFlight = errors.New("another transition for this deal is in flight")
)

// stageCommand — оптимистичный переход этапа: apply меняет представление
// до подтверждения хранилищем, rollback возвращает захваченное состояние.
type stageCommand struct {
	ledger *Ledger
	dealID uuid.UUID
	old    Entry
	next   Entry
}

func (c *stageCommand) apply() {
	c.ledger.set(c.dealID, c.next)
}

func (c *stageCommand) rollback() {
	c.ledger.set(c.dealID, c.old)
}

// Controller проводит смену этапа, запрошенную перетаскиванием карточки:
// оптимистичное локальное обновление, запись в хранилище, откат при ошибке.
// Переходы одной сделки сериализуются: второй дроп той же карточки
// отклоняется, пока не завершился первый.
type Controller struct {
	ledger *Ledger
	store  StagePersister
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

// NewController создаёт контроллер переходов поверх ledger и хранилища.
func NewController(l *Ledger, store StagePersister, logger *zap.Logger) *Controller {
	return &Controller{
		ledger:   l,
		store:    store,
		logger:   logger,
		inflight: make(map[uuid.UUID]struct{}),
	}
}

func (c *Controller) acquire(dealID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.inflight[dealID]; busy {
		return false
	}
	c.inflight[dealID] = struct{}{}
	return true
}

func (c *Controller) release(dealID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, dealID)
}

// Drop обрабатывает сброс карточки в колонку targetLabel.
// Сброс в ту же колонку — no-op без обращения к хранилищу.
func (c *Controller) Drop(ctx context.Context, dealID uuid.UUID, targetLabel string) error {
	entry, ok := c.ledger.Snapshot(dealID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDealNotTracked, dealID)
	}

	if entry.Status == targetLabel {
		return nil
	}

	if !pipeline.IsStageLabel(targetLabel) {
		return fmt.Errorf("%w: %q", ErrUnknownStage, targetLabel)
	}

	if pipeline.IsTerminalLabel(entry.Status) {
		return fmt.Errorf("%w: %s", ErrTerminalStage, dealID)
	}

	if !c.acquire(dealID) {
		return fmt.Errorf("%w: %s", ErrTransitionInFlight, dealID)
	}
	defer c.release(dealID)

	// Состояние могло измениться, пока бралась блокировка.
	entry, ok = c.ledger.Snapshot(dealID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDealNotTracked, dealID)
	}
	if entry.Status == targetLabel {
		return nil
	}
	if pipeline.IsTerminalLabel(entry.Status) {
		return fmt.Errorf("%w: %s", ErrTerminalStage, dealID)
	}

	// Колонка "Paid to BPO" — это исходящий платёж. Дроп в неё проходит
	// через предохранитель, а не мимо него: без полученного входящего
	// платежа карточка в колонку оплаты не попадает.
	if targetLabel == pipeline.LabelPaidToBPO {
		return c.ledger.PayOutbound(ctx, dealID)
	}

	cmd := &stageCommand{
		ledger: c.ledger,
		dealID: dealID,
		old:    entry,
		next: Entry{
			Status:  targetLabel,
			Payment: pipeline.Derive(targetLabel),
		},
	}

	cmd.apply()

	if err := c.store.UpdateDealStage(ctx, dealID, cmd.old.Status, targetLabel); err != nil {
		cmd.rollback()
		c.logger.Error("stage transition rolled back",
			zap.String("dealID", dealID.String()),
			zap.String("from", cmd.old.Status),
			zap.String("to", targetLabel),
			zap.Error(err),
		)
		return fmt.Errorf("persist stage transition: %w", err)
	}

	return nil
}
