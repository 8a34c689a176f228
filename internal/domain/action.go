package domain

// Action — действие заправщика над заявкой.
type Action string

const (
	ActionClaim             Action = "claim"
	ActionEnRoute           Action = "en_route"
	ActionStartFueling      Action = "start_fueling"
	ActionComplete          Action = "complete"
	ActionCancel            Action = "cancel"
	ActionRetry             Action = "retry"
	ActionAcknowledgeChange Action = "acknowledge_change"
)

// ActionRequest приходит от слоя представления.
type ActionRequest struct {
	OrderID string
	Action  Action
	// При пустом UserID пользователь берётся из SessionProvider.
	UserID string
	// Payload обязателен только для complete; nil означает «использовать сохранённый черновик».
	Payload *CompletionPayload
}

// transition описывает одно ребро автомата статусов.
type transition struct {
	from []OrderStatus
	to   OrderStatus
}

var nonTerminalStatuses = []OrderStatus{
	OrderStatusDispatched,
	OrderStatusAcknowledged,
	OrderStatusEnRoute,
	OrderStatusFueling,
}

// transitions задаёт формальную таблицу переходов статуса.
// Статусы монотонны вдоль dispatched → acknowledged → en_route → fueling → completed,
// cancelled достижим из любого нетерминального статуса.
var transitions = map[Action]transition{
	ActionClaim:        {from: []OrderStatus{OrderStatusDispatched}, to: OrderStatusAcknowledged},
	ActionEnRoute:      {from: []OrderStatus{OrderStatusAcknowledged}, to: OrderStatusEnRoute},
	ActionStartFueling: {from: []OrderStatus{OrderStatusEnRoute}, to: OrderStatusFueling},
	ActionComplete:     {from: []OrderStatus{OrderStatusFueling}, to: OrderStatusCompleted},
	ActionCancel:       {from: nonTerminalStatuses, to: OrderStatusCancelled},
}

// StatusActions перечисляет действия-переходы в порядке отображения.
var StatusActions = []Action{
	ActionClaim,
	ActionEnRoute,
	ActionStartFueling,
	ActionComplete,
	ActionCancel,
}

// Valid проверяет, что действие известно.
func (a Action) Valid() bool {
	if _, ok := transitions[a]; ok {
		return true
	}
	return a == ActionRetry || a == ActionAcknowledgeChange
}

// IsTransition сообщает, что действие меняет статус заявки.
func (a Action) IsTransition() bool {
	_, ok := transitions[a]
	return ok
}

// TargetStatus возвращает статус, в который переводит действие.
func (a Action) TargetStatus() (OrderStatus, bool) {
	t, ok := transitions[a]
	if !ok {
		return "", false
	}
	return t.to, true
}

// CanTransition проверяет, допустимо ли действие из текущего статуса.
func CanTransition(from OrderStatus, action Action) bool {
	t, ok := transitions[action]
	if !ok {
		return false
	}
	for _, status := range t.from {
		if status == from {
			return true
		}
	}
	return false
}
