package invoice

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mkossov/retainerflow/internal/model"
)

// ErrNoRowsLinked возвращается, когда операция привязки не изменила ни одной
// строки. Это фатальная ошибка согласованности, в отличие от частичной
// привязки, которая считается предупреждением.
var ErrNoRowsLinked = errors.New("no deals were linked to invoice")

// LinkStore описывает контракт хранилища для операций привязки сделок.
type LinkStore interface {
	LinkDeals(ctx context.Context, dealIDs []uuid.UUID, invoiceID uuid.UUID, invoiceType model.InvoiceType) (int64, error)
	UnlinkDeals(ctx context.Context, invoiceID uuid.UUID, invoiceType model.InvoiceType) (int64, error)
}

// LinkResult описывает фактический результат привязки сделок к счёту.
type LinkResult struct {
	Requested int
	Updated   int64
	Partial   bool
}

// Linker связывает и отвязывает сделки от счетов, контролируя число
// фактически изменённых строк.
type Linker struct {
	store  LinkStore
	logger *zap.Logger
}

// NewLinker создаёт Linker поверх указанного хранилища.
func NewLinker(store LinkStore, logger *zap.Logger) *Linker {
	return &Linker{store: store, logger: logger}
}

// Link привязывает сделки к счёту. Ноль изменённых строк — фатальная ошибка;
// частичная привязка возвращается как предупреждение в LinkResult.Partial.
// Сделка, уже привязанная к другому счёту того же типа, не перезаписывается:
// хранилище обновляет только свободные строки, поэтому такие сделки попадают
// в разницу Requested-Updated.
func (l *Linker) Link(ctx context.Context, dealIDs []uuid.UUID, invoiceID uuid.UUID, invoiceType model.InvoiceType) (LinkResult, error) {
	res := LinkResult{Requested: len(dealIDs)}
	if len(dealIDs) == 0 {
		return res, nil
	}

	updated, err := l.store.LinkDeals(ctx, dealIDs, invoiceID, invoiceType)
	if err != nil {
		return res, fmt.Errorf("link deals: %w", err)
	}
	res.Updated = updated

	if updated == 0 {
		return res, fmt.Errorf("%w: invoice %s", ErrNoRowsLinked, invoiceID)
	}

	if updated < int64(len(dealIDs)) {
		res.Partial = true
		l.logger.Warn("partial deal linkage",
			zap.String("invoiceID", invoiceID.String()),
			zap.Int("requested", len(dealIDs)),
			zap.Int64("updated", updated),
		)
	}

	return res, nil
}

// Unlink снимает привязку со всех сделок, указывающих на счёт.
// Используется перед циклом редактирования: сначала отвязать старый набор,
// затем сохранить изменения счёта, затем привязать новый набор.
func (l *Linker) Unlink(ctx context.Context, invoiceID uuid.UUID, invoiceType model.InvoiceType) (int64, error) {
	updated, err := l.store.UnlinkDeals(ctx, invoiceID, invoiceType)
	if err != nil {
		return 0, fmt.Errorf("unlink deals: %w", err)
	}
	return updated, nil
}
