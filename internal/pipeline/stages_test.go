package pipeline

import (
	"testing"

	"github.com/mkossov/retainerflow/internal/model"
)

func TestStagesOrdered(t *testing.T) {
	got := Stages()
	if len(got) != 4 {
		t.Fatalf("expected 4 stages, got %d", len(got))
	}

	prev := 0
	for _, s := range got {
		if s.Order <= prev {
			t.Fatalf("stage %q out of order: %d after %d", s.Label, s.Order, prev)
		}
		prev = s.Order
	}

	if got[0].Label != LabelRetainerSigned || got[3].Label != LabelPaidToBPO {
		t.Fatalf("unexpected stage boundaries: %q .. %q", got[0].Label, got[3].Label)
	}
}

func TestStagesCopyIsolated(t *testing.T) {
	a := Stages()
	a[0].Label = "mutated"

	b := Stages()
	if b[0].Label != LabelRetainerSigned {
		t.Fatalf("Stages() must return a copy, registry was mutated")
	}
}

func TestLabelOf(t *testing.T) {
	label, ok := LabelOf(StageApprovedPayable)
	if !ok || label != LabelApprovedPayable {
		t.Fatalf("LabelOf(approved_payable) = %q, %v", label, ok)
	}

	if _, ok := LabelOf(Stage("unknown")); ok {
		t.Fatalf("LabelOf must report unknown keys")
	}
}

func TestOrderOf(t *testing.T) {
	tests := []struct {
		label string
		order int
		ok    bool
	}{
		{LabelRetainerSigned, 7, true},
		{LabelAttorneyReview, 8, true},
		{LabelApprovedPayable, 9, true},
		{LabelPaidToBPO, 10, true},
		{"Closed Lost", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		order, ok := OrderOf(tt.label)
		if ok != tt.ok || order != tt.order {
			t.Errorf("OrderOf(%q) = %d, %v; want %d, %v", tt.label, order, ok, tt.order, tt.ok)
		}
	}
}

func TestDerive(t *testing.T) {
	tests := []struct {
		name  string
		label string
		want  model.PaymentState
	}{
		{
			name:  "retainer signed is pending and locked",
			label: LabelRetainerSigned,
			want:  model.PaymentState{Inbound: model.InboundPending, Outbound: model.OutboundLocked},
		},
		{
			name:  "attorney review is pending and locked",
			label: LabelAttorneyReview,
			want:  model.PaymentState{Inbound: model.InboundPending, Outbound: model.OutboundLocked},
		},
		{
			name:  "approved payable is pending and locked",
			label: LabelApprovedPayable,
			want:  model.PaymentState{Inbound: model.InboundPending, Outbound: model.OutboundLocked},
		},
		{
			name:  "paid to bpo is received and paid",
			label: LabelPaidToBPO,
			want:  model.PaymentState{Inbound: model.InboundReceived, Outbound: model.OutboundPaid},
		},
		{
			name:  "unknown label falls into the default bucket",
			label: "Some Future Stage",
			want:  model.PaymentState{Inbound: model.InboundPending, Outbound: model.OutboundLocked},
		},
		{
			name:  "empty label falls into the default bucket",
			label: "",
			want:  model.PaymentState{Inbound: model.InboundPending, Outbound: model.OutboundLocked},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Derive(tt.label)
			if got != tt.want {
				t.Fatalf("Derive(%q) = %+v, want %+v", tt.label, got, tt.want)
			}
		})
	}
}

// Страховочный инвариант: для любой метки outbound=paid влечёт inbound=received.
func TestDeriveSafetyInvariant(t *testing.T) {
	labels := []string{
		LabelRetainerSigned, LabelAttorneyReview, LabelApprovedPayable, LabelPaidToBPO,
		"", "garbage", "PAID TO BPO", "paid to bpo",
	}

	for _, label := range labels {
		st := Derive(label)
		if st.Outbound == model.OutboundPaid && st.Inbound != model.InboundReceived {
			t.Fatalf("Derive(%q) violates safety lock: %+v", label, st)
		}
	}
}

func TestIsTerminalLabel(t *testing.T) {
	if !IsTerminalLabel(LabelPaidToBPO) {
		t.Fatalf("Paid to BPO must be terminal")
	}
	if IsTerminalLabel(LabelApprovedPayable) {
		t.Fatalf("Approved - Payable must not be terminal")
	}
}

func TestInvoiceTransitions(t *testing.T) {
	tests := []struct {
		from model.InvoiceStatus
		to   model.InvoiceStatus
		want bool
	}{
		{model.InvoiceStatusPending, model.InvoiceStatusPaid, true},
		{model.InvoiceStatusPaid, model.InvoiceStatusChargeback, true},
		{model.InvoiceStatusPending, model.InvoiceStatusChargeback, false},
		{model.InvoiceStatusPaid, model.InvoiceStatusPending, false},
		{model.InvoiceStatusChargeback, model.InvoiceStatusPending, false},
		{model.InvoiceStatusChargeback, model.InvoiceStatusPaid, false},
		{model.InvoiceStatus("draft"), model.InvoiceStatusPaid, false},
	}

	for _, tt := range tests {
		if got := CanTransitionInvoice(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransitionInvoice(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	if err := ValidateInvoiceTransition(model.InvoiceStatusPending, model.InvoiceStatusChargeback); err == nil {
		t.Fatalf("expected error for pending -> chargeback")
	}
	if err := ValidateInvoiceTransition(model.InvoiceStatusPending, model.InvoiceStatusPaid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
