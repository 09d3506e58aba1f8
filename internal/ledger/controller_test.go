package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mkossov/retainerflow/internal/model"
	"github.com/mkossov/retainerflow/internal/pipeline"
)

func newTestController(store StagePersister, deals ...model.Deal) (*Controller, *Ledger) {
	l := newTestLedger(store, deals...)
	return NewController(l, store, zap.NewNop()), l
}

func TestDropTransitionsStage(t *testing.T) {
	store := &stubPersister{}
	d := dealAt(pipeline.LabelRetainerSigned)
	c, l := newTestController(store, d)

	err := c.Drop(context.Background(), d.ID, pipeline.LabelAttorneyReview)
	if err != nil {
		t.Fatalf("Drop error: %v", err)
	}

	e, _ := l.Snapshot(d.ID)
	if e.Status != pipeline.LabelAttorneyReview {
		t.Fatalf("status = %q, want Attorney Review", e.Status)
	}
	if store.gotOld != pipeline.LabelRetainerSigned || store.gotNew != pipeline.LabelAttorneyReview {
		t.Fatalf("persisted %q -> %q", store.gotOld, store.gotNew)
	}
}

// Сброс в ту же колонку не трогает хранилище и не запускает цикл откатов.
func TestDropSameColumnIsNoop(t *testing.T) {
	store := &stubPersister{}
	d := dealAt(pipeline.LabelAttorneyReview)
	c, l := newTestController(store, d)

	if err := c.Drop(context.Background(), d.ID, pipeline.LabelAttorneyReview); err != nil {
		t.Fatalf("Drop error: %v", err)
	}
	if store.calls != 0 {
		t.Fatalf("same-column drop must not invoke persistence, got %d calls", store.calls)
	}

	e, _ := l.Snapshot(d.ID)
	if e.Status != pipeline.LabelAttorneyReview {
		t.Fatalf("status changed on same-column drop: %q", e.Status)
	}
}

func TestDropUnknownColumn(t *testing.T) {
	store := &stubPersister{}
	d := dealAt(pipeline.LabelRetainerSigned)
	c, _ := newTestController(store, d)

	err := c.Drop(context.Background(), d.ID, "Archived")
	if !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
	if store.calls != 0 {
		t.Fatalf("unknown column must not reach persistence")
	}
}

func TestDropFromTerminalStage(t *testing.T) {
	store := &stubPersister{}
	d := dealAt(pipeline.LabelPaidToBPO)
	c, _ := newTestController(store, d)

	err := c.Drop(context.Background(), d.ID, pipeline.LabelAttorneyReview)
	if !errors.Is(err, ErrTerminalStage) {
		t.Fatalf("expected ErrTerminalStage, got %v", err)
	}
	if store.calls != 0 {
		t.Fatalf("terminal stage must not reach persistence")
	}
}

func TestDropUntrackedDeal(t *testing.T) {
	c, _ := newTestController(&stubPersister{})

	err := c.Drop(context.Background(), uuid.New(), pipeline.LabelAttorneyReview)
	if !errors.Is(err, ErrDealNotTracked) {
		t.Fatalf("expected ErrDealNotTracked, got %v", err)
	}
}

// Сценарий: карточку тянут из "Retainer Signed" в "Approved - Payable",
// запись в хранилище падает — карточка возвращается в исходную колонку
// с исходным платёжным состоянием.
func TestDropRollsBackOnPersistFailure(t *testing.T) {
	store := &stubPersister{err: errors.New("write failed")}
	d := dealAt(pipeline.LabelRetainerSigned)
	c, l := newTestController(store, d)

	before, _ := l.Snapshot(d.ID)

	err := c.Drop(context.Background(), d.ID, pipeline.LabelApprovedPayable)
	if err == nil {
		t.Fatalf("expected persistence error")
	}

	after, _ := l.Snapshot(d.ID)
	if after != before {
		t.Fatalf("optimistic state must be reverted: %+v -> %+v", before, after)
	}
	if after.Status != pipeline.LabelRetainerSigned {
		t.Fatalf("status = %q, want Retainer Signed", after.Status)
	}
	if after.Payment.Inbound != model.InboundPending || after.Payment.Outbound != model.OutboundLocked {
		t.Fatalf("payment state = %+v, want (pending, locked)", after.Payment)
	}
}

// Дроп в колонку "Paid to BPO" без полученного входящего платежа
// отклоняется предохранителем: ничего не пишется, карточка остаётся
// на месте с исходным платёжным состоянием.
func TestDropToPaidColumnLockedWithoutInbound(t *testing.T) {
	store := &stubPersister{}
	d := dealAt(pipeline.LabelAttorneyReview)
	c, l := newTestController(store, d)

	before, _ := l.Snapshot(d.ID)
	if l.CanPayOutbound(d.ID) {
		t.Fatalf("outbound must be locked before inbound is received")
	}

	err := c.Drop(context.Background(), d.ID, pipeline.LabelPaidToBPO)
	if !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
	if store.calls != 0 {
		t.Fatalf("locked payout must not reach persistence, got %d calls", store.calls)
	}

	after, _ := l.Snapshot(d.ID)
	if after != before {
		t.Fatalf("state changed on refused drop: %+v -> %+v", before, after)
	}
	if after.Payment.Outbound == model.OutboundPaid {
		t.Fatalf("outbound marked paid while inbound was never received")
	}
}

// После получения входящего платежа дроп в колонку оплаты проводит
// исходящий платёж как обычный payout.
func TestDropToPaidColumnAfterInbound(t *testing.T) {
	store := &stubPersister{}
	d := dealAt(pipeline.LabelApprovedPayable)
	c, l := newTestController(store, d)

	if err := l.MarkInboundReceived(d.ID); err != nil {
		t.Fatalf("MarkInboundReceived error: %v", err)
	}

	if err := c.Drop(context.Background(), d.ID, pipeline.LabelPaidToBPO); err != nil {
		t.Fatalf("Drop error: %v", err)
	}

	e, _ := l.Snapshot(d.ID)
	if e.Status != pipeline.LabelPaidToBPO {
		t.Fatalf("status = %q, want Paid to BPO", e.Status)
	}
	if e.Payment.Inbound != model.InboundReceived || e.Payment.Outbound != model.OutboundPaid {
		t.Fatalf("payment state = %+v, want (received, paid)", e.Payment)
	}
	if store.gotOld != pipeline.LabelApprovedPayable || store.gotNew != pipeline.LabelPaidToBPO {
		t.Fatalf("persisted %q -> %q", store.gotOld, store.gotNew)
	}
}

type blockingPersister struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	stub    stubPersister
}

func (b *blockingPersister) UpdateDealStage(ctx context.Context, dealID uuid.UUID, oldStatus, newStatus string) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.stub.UpdateDealStage(ctx, dealID, oldStatus, newStatus)
}

// Переходы одной сделки сериализуются: второй дроп той же карточки
// отклоняется, пока не завершился первый.
func TestDropSerializedPerDeal(t *testing.T) {
	store := &blockingPersister{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	d := dealAt(pipeline.LabelRetainerSigned)
	c, _ := newTestController(store, d)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.Drop(context.Background(), d.ID, pipeline.LabelAttorneyReview)
	}()

	<-store.started

	err := c.Drop(context.Background(), d.ID, pipeline.LabelApprovedPayable)
	if !errors.Is(err, ErrTransitionInFlight) {
		t.Fatalf("expected ErrTransitionInFlight, got %v", err)
	}

	close(store.release)
	wg.Wait()

	// После завершения первого перехода сделка снова доступна.
	if err := c.Drop(context.Background(), d.ID, pipeline.LabelApprovedPayable); err != nil {
		t.Fatalf("Drop after release error: %v", err)
	}
}
