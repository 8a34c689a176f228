package console

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
	"github.com/vladislavdragonenkov/fuelops/internal/service/ordersync"
)

const (
	serviceName = "fuelops.v1.ConsoleService"

	methodRequestAction = "/" + serviceName + "/RequestAction"
	methodGetOrder      = "/" + serviceName + "/GetOrder"
	methodListOrders    = "/" + serviceName + "/ListOrders"
)

// CompletionPayload передаёт показания счётчика в запросе complete и в представлении заявки.
type CompletionPayload struct {
	StartMeterReading decimal.Decimal `json:"start_meter_reading"`
	EndMeterReading   decimal.Decimal `json:"end_meter_reading"`
	Notes             string          `json:"notes,omitempty"`
}

type RequestActionRequest struct {
	OrderID string             `json:"order_id"`
	Action  string             `json:"action"`
	Payload *CompletionPayload `json:"payload,omitempty"`
}

type RequestActionResponse struct {
	Order *OrderView `json:"order"`
}

type GetOrderRequest struct {
	OrderID string `json:"order_id"`
}

type GetOrderResponse struct {
	Order    *OrderView       `json:"order"`
	Timeline []*TimelineEvent `json:"timeline"`
}

type ListOrdersRequest struct {
	IncludeClosed bool `json:"include_closed"`
}

type ListOrdersResponse struct {
	Orders []*OrderView `json:"orders"`
}

// OrderView показывает заявку консоли вместе с синхронизацией и доступными действиями.
type OrderView struct {
	ID                        string              `json:"id"`
	Status                    string              `json:"status"`
	AssignedWorkerID          string              `json:"assigned_worker_id,omitempty"`
	ChangeVersion             int64               `json:"change_version"`
	AcknowledgedChangeVersion int64               `json:"acknowledged_change_version"`
	PendingChanges            bool                `json:"pending_changes"`
	SyncState                 string              `json:"sync_state"`
	InFlightAction            string              `json:"in_flight_action,omitempty"`
	LastError                 string              `json:"last_error,omitempty"`
	LegalActions              []string            `json:"legal_actions"`
	Completion                *CompletionPayload  `json:"completion,omitempty"`
	Dispensed                 decimal.NullDecimal `json:"dispensed"`
	UpdatedAt                 time.Time           `json:"updated_at"`
}

type TimelineEvent struct {
	Type     string `json:"type"`
	Reason   string `json:"reason,omitempty"`
	UnixTime int64  `json:"unix_time"`
}

// ConsoleServer реализует серверную сторону fuelops.v1.ConsoleService.
type ConsoleServer interface {
	RequestAction(context.Context, *RequestActionRequest) (*RequestActionResponse, error)
	GetOrder(context.Context, *GetOrderRequest) (*GetOrderResponse, error)
	ListOrders(context.Context, *ListOrdersRequest) (*ListOrdersResponse, error)
}

// RegisterConsoleServer регистрирует сервис на gRPC-сервере.
func RegisterConsoleServer(s grpc.ServiceRegistrar, srv ConsoleServer) {
	s.RegisterService(&consoleServiceDesc, srv)
}

var consoleServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ConsoleServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestAction", Handler: requestActionHandler},
		{MethodName: "GetOrder", Handler: getOrderHandler},
		{MethodName: "ListOrders", Handler: listOrdersHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fuelops/v1/console.json",
}

func requestActionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RequestActionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConsoleServer).RequestAction(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRequestAction}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ConsoleServer).RequestAction(ctx, req.(*RequestActionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConsoleServer).GetOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetOrder}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ConsoleServer).GetOrder(ctx, req.(*GetOrderRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listOrdersHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListOrdersRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConsoleServer).ListOrders(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListOrders}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ConsoleServer).ListOrders(ctx, req.(*ListOrdersRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Client вызывает консольный API поверх gRPC-соединения с JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) RequestAction(ctx context.Context, in *RequestActionRequest, opts ...grpc.CallOption) (*RequestActionResponse, error) {
	out := new(RequestActionResponse)
	if err := c.cc.Invoke(ctx, methodRequestAction, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetOrder(ctx context.Context, in *GetOrderRequest, opts ...grpc.CallOption) (*GetOrderResponse, error) {
	out := new(GetOrderResponse)
	if err := c.cc.Invoke(ctx, methodGetOrder, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListOrders(ctx context.Context, in *ListOrdersRequest, opts ...grpc.CallOption) (*ListOrdersResponse, error) {
	out := new(ListOrdersResponse)
	if err := c.cc.Invoke(ctx, methodListOrders, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func newCompletionPayload(p *domain.CompletionPayload) *CompletionPayload {
	if p == nil {
		return nil
	}
	return &CompletionPayload{
		StartMeterReading: p.StartMeterReading,
		EndMeterReading:   p.EndMeterReading,
		Notes:             p.Notes,
	}
}

func (p *CompletionPayload) toDomain() *domain.CompletionPayload {
	if p == nil {
		return nil
	}
	return &domain.CompletionPayload{
		StartMeterReading: p.StartMeterReading,
		EndMeterReading:   p.EndMeterReading,
		Notes:             p.Notes,
	}
}

func toOrderView(view ordersync.OrderView) *OrderView {
	order := view.Order
	actions := make([]string, 0, len(view.LegalActions))
	for _, action := range view.LegalActions {
		actions = append(actions, string(action))
	}

	result := &OrderView{
		ID:                        order.ID,
		Status:                    string(order.Status),
		AssignedWorkerID:          order.AssignedWorkerID,
		ChangeVersion:             order.ChangeVersion,
		AcknowledgedChangeVersion: order.AcknowledgedChangeVersion,
		PendingChanges:            view.PendingChanges,
		SyncState:                 string(order.SyncState),
		LastError:                 order.LastError,
		LegalActions:              actions,
		Completion:                newCompletionPayload(order.Completion),
		Dispensed:                 view.Dispensed,
		UpdatedAt:                 order.UpdatedAt,
	}
	if order.SyncState == domain.SyncStateQueued && order.Call != nil {
		result.InFlightAction = string(order.Call.Action)
	}
	return result
}
