package ordersync

import (
	"context"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

// AssignmentPolicy решает права по назначению заявки.
// claim и acknowledge_change доступны для неназначенной заявки или своей;
// остальные действия доступны только назначенному заправщику. retry проверяется как исходное действие.
type AssignmentPolicy struct{}

// CanPerform реализует domain.Capability.
func (AssignmentPolicy) CanPerform(userID string, action domain.Action, order domain.OrderRecord) bool {
	if userID == "" {
		return false
	}
	if action == domain.ActionRetry && order.Call != nil {
		action = order.Call.Action
	}
	switch action {
	case domain.ActionClaim, domain.ActionAcknowledgeChange:
		return order.AssignedWorkerID == "" || order.AssignedWorkerID == userID
	default:
		return order.AssignedWorkerID == userID
	}
}

// CapabilityFunc адаптирует функцию к domain.Capability.
type CapabilityFunc func(userID string, action domain.Action, order domain.OrderRecord) bool

// CanPerform реализует domain.Capability.
func (f CapabilityFunc) CanPerform(userID string, action domain.Action, order domain.OrderRecord) bool {
	return f(userID, action, order)
}

// StaticSession возвращает фиксированного пользователя (CLI, тесты).
type StaticSession struct {
	UserID string
}

// CurrentUserID реализует domain.SessionProvider.
func (s StaticSession) CurrentUserID(context.Context) (string, error) {
	if s.UserID == "" {
		return "", domain.ErrUserRequired
	}
	return s.UserID, nil
}
