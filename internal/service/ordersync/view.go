package ordersync

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

// OrderView отдаёт заявку слою представления только для чтения.
type OrderView struct {
	Order          domain.OrderRecord
	PendingChanges bool
	LegalActions   []domain.Action
	// Dispensed считается как end - start из черновика или зафиксированных показаний.
	Dispensed decimal.NullDecimal
}

// View строит представление заявки для пользователя.
func (d *Dispatcher) View(order domain.OrderRecord, userID string) OrderView {
	view := OrderView{
		Order:          order,
		PendingChanges: order.HasPendingChanges(),
		LegalActions:   d.LegalActions(order, userID),
	}
	if order.Completion != nil {
		view.Dispensed = decimal.NewNullDecimal(order.Completion.Dispensed())
	}
	return view
}

// CurrentUser возвращает пользователя текущей сессии.
func (d *Dispatcher) CurrentUser(ctx context.Context) (string, error) {
	return d.resolveUser(ctx, "")
}

// GetView возвращает представление заявки для текущего пользователя сессии.
func (d *Dispatcher) GetView(ctx context.Context, orderID string) (OrderView, error) {
	userID, err := d.resolveUser(ctx, "")
	if err != nil {
		return OrderView{}, err
	}
	order, err := d.engine.Get(orderID)
	if err != nil {
		return OrderView{}, err
	}
	return d.View(order, userID), nil
}

// ActiveView возвращает заявки текущего заправщика. Закрытые заявки (терминальные,
// синхронизированные, без неподтверждённых изменений) скрываются, если includeClosed=false.
func (d *Dispatcher) ActiveView(ctx context.Context, includeClosed bool) ([]OrderView, error) {
	userID, err := d.resolveUser(ctx, "")
	if err != nil {
		return nil, err
	}
	orders, err := d.engine.List(userID)
	if err != nil {
		return nil, err
	}

	views := make([]OrderView, 0, len(orders))
	for _, order := range orders {
		if order.Closed() && !includeClosed {
			continue
		}
		views = append(views, d.View(order, userID))
	}
	return views, nil
}
