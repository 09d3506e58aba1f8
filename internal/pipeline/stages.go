// Package pipeline содержит статическое описание этапов воронки расчётов
// и вывод платёжного состояния сделки из её этапа.
package pipeline

import "github.com/mkossov/retainerflow/internal/model"

// Stage — ключ этапа воронки.
type Stage string

const (
	StageRetainerSigned  Stage = "retainer_signed"
	StageAttorneyReview  Stage = "attorney_review"
	StageApprovedPayable Stage = "approved_payable"
	StagePaidToBPO       Stage = "paid_to_bpo"
)

// Метки этапов — литеральные строки, хранимые в поле Deal.Status.
const (
	LabelRetainerSigned  = "Retainer Signed"
	LabelAttorneyReview  = "Attorney Review"
	LabelApprovedPayable = "Approved - Payable"
	LabelPaidToBPO       = "Paid to BPO"
)

// OrderedStage описывает этап воронки вместе с меткой и порядковым номером.
type OrderedStage struct {
	Key   Stage  `json:"key"`
	Label string `json:"label"`
	Order int    `json:"order"`
}

// Этапы неизменяемы и определяются один раз при старте процесса.
var stages = []OrderedStage{
	{Key: StageRetainerSigned, Label: LabelRetainerSigned, Order: 7},
	{Key: StageAttorneyReview, Label: LabelAttorneyReview, Order: 8},
	{Key: StageApprovedPayable, Label: LabelApprovedPayable, Order: 9},
	{Key: StagePaidToBPO, Label: LabelPaidToBPO, Order: 10},
}

// Stages возвращает упорядоченный список этапов воронки.
func Stages() []OrderedStage {
	out := make([]OrderedStage, len(stages))
	copy(out, stages)
	return out
}

// LabelOf возвращает метку этапа по его ключу.
func LabelOf(key Stage) (string, bool) {
	for _, s := range stages {
		if s.Key == key {
			return s.Label, true
		}
	}
	return "", false
}

// OrderOf возвращает порядковый номер этапа по его метке.
func OrderOf(label string) (int, bool) {
	for _, s := range stages {
		if s.Label == label {
			return s.Order, true
		}
	}
	return 0, false
}

// IsStageLabel проверяет, что метка принадлежит зарегистрированному этапу.
func IsStageLabel(label string) bool {
	_, ok := OrderOf(label)
	return ok
}

// IsTerminalLabel проверяет, что метка соответствует финальному этапу воронки.
// Из "Paid to BPO" переходы невозможны.
func IsTerminalLabel(label string) bool {
	return label == LabelPaidToBPO
}

// Derive выводит платёжное состояние из метки этапа. Функция тотальна:
// незнакомые метки трактуются как ещё не рассчитанные.
func Derive(statusLabel string) model.PaymentState {
	if statusLabel == LabelPaidToBPO {
		return model.PaymentState{
			Inbound:  model.InboundReceived,
			Outbound: model.OutboundPaid,
		}
	}
	return model.PaymentState{
		Inbound:  model.InboundPending,
		Outbound: model.OutboundLocked,
	}
}
