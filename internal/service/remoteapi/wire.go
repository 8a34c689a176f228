package remoteapi

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

// HTTP-заголовки протокола Remote Order API.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderWorkerID       = "X-Worker-Id"
	// HeaderChangeVersion несёт change_version, которую видел заправщик при запросе действия.
	HeaderChangeVersion = "X-Change-Version"
)

// CompletionBody передаётся в POST /orders/{id}/complete.
type CompletionBody struct {
	StartMeterReading decimal.Decimal `json:"startMeterReading"`
	EndMeterReading   decimal.Decimal `json:"endMeterReading"`
	Notes             string          `json:"notes,omitempty"`
}

// OrderPayload кодирует каноническую запись заявки.
type OrderPayload struct {
	ID                        string          `json:"id"`
	Status                    string          `json:"status"`
	AssignedWorkerID          string          `json:"assigned_worker_id,omitempty"`
	ChangeVersion             int64           `json:"change_version"`
	AcknowledgedChangeVersion int64           `json:"acknowledged_change_version"`
	Completion                *CompletionBody `json:"completion,omitempty"`
	UpdatedAt                 time.Time       `json:"updated_at"`
}

// Envelope приходит в ответ на действие: {"order": ..., "change_version": N}. Тот же формат у 409.
type Envelope struct {
	Order         OrderPayload `json:"order"`
	ChangeVersion int64        `json:"change_version"`
}

// ListResponse приходит в ответ на GET /orders.
type ListResponse struct {
	Orders []OrderPayload `json:"orders"`
}

// ErrorBody описывает ответ об ошибке.
type ErrorBody struct {
	Error string `json:"error"`
}

// NewCompletionBody конвертирует payload домена в тело запроса.
func NewCompletionBody(p *domain.CompletionPayload) *CompletionBody {
	if p == nil {
		return nil
	}
	return &CompletionBody{
		StartMeterReading: p.StartMeterReading,
		EndMeterReading:   p.EndMeterReading,
		Notes:             p.Notes,
	}
}

// Domain конвертирует тело в payload домена.
func (b *CompletionBody) Domain() *domain.CompletionPayload {
	if b == nil {
		return nil
	}
	return &domain.CompletionPayload{
		StartMeterReading: b.StartMeterReading,
		EndMeterReading:   b.EndMeterReading,
		Notes:             b.Notes,
	}
}

// NewOrderPayload конвертирует каноническую запись домена в формат провода.
func NewOrderPayload(o domain.RemoteOrder) OrderPayload {
	return OrderPayload{
		ID:                        o.ID,
		Status:                    string(o.Status),
		AssignedWorkerID:          o.AssignedWorkerID,
		ChangeVersion:             o.ChangeVersion,
		AcknowledgedChangeVersion: o.AcknowledgedChangeVersion,
		Completion:                NewCompletionBody(o.Completion),
		UpdatedAt:                 o.UpdatedAt,
	}
}

// Domain конвертирует запись провода в domain.RemoteOrder.
func (p OrderPayload) Domain() domain.RemoteOrder {
	return domain.RemoteOrder{
		ID:                        p.ID,
		Status:                    domain.OrderStatus(p.Status),
		AssignedWorkerID:          p.AssignedWorkerID,
		ChangeVersion:             p.ChangeVersion,
		AcknowledgedChangeVersion: p.AcknowledgedChangeVersion,
		Completion:                p.Completion.Domain(),
		UpdatedAt:                 p.UpdatedAt,
	}
}

// Domain возвращает запись; change_version конверта приоритетнее поля записи.
func (e Envelope) Domain() domain.RemoteOrder {
	order := e.Order.Domain()
	if e.ChangeVersion > order.ChangeVersion {
		order.ChangeVersion = e.ChangeVersion
	}
	return order
}
