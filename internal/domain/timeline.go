package domain

import "time"

// Типы событий синхронизации заявки (timeline и outbox).
const (
	EventActionQueued       = "FuelOrderActionQueued"
	EventSynced             = "FuelOrderSynced"
	EventSyncFailed         = "FuelOrderSyncFailed"
	EventChangePending      = "FuelOrderChangePending"
	EventChangeAcknowledged = "FuelOrderChangeAcknowledged"
	EventPushApplied        = "FuelOrderPushApplied"
)

// TimelineEvent описывает событие в жизненном цикле заявки.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}
