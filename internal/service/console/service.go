package console

import (
	"context"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
	"github.com/vladislavdragonenkov/fuelops/internal/service/ordersync"
)

// Service реализует ConsoleServer поверх диспетчера действий.
type Service struct {
	dispatcher *ordersync.Dispatcher
	timeline   domain.TimelineRepository
	logger     *log.Entry
}

// NewService конструирует сервис консоли. timeline может быть nil.
func NewService(dispatcher *ordersync.Dispatcher, timeline domain.TimelineRepository, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "console-service")
	}
	return &Service{
		dispatcher: dispatcher,
		timeline:   timeline,
		logger:     logger,
	}
}

// RequestAction передаёт действие заправщика диспетчеру и возвращает оптимистичное состояние.
func (s *Service) RequestAction(ctx context.Context, req *RequestActionRequest) (*RequestActionResponse, error) {
	if req == nil || strings.TrimSpace(req.OrderID) == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	if req.Action == "" {
		return nil, status.Error(codes.InvalidArgument, "action is required")
	}

	userID, err := s.dispatcher.CurrentUser(ctx)
	if err != nil {
		return nil, s.toStatus(err, "RequestAction", req.OrderID)
	}

	rec, err := s.dispatcher.RequestAction(ctx, domain.ActionRequest{
		OrderID: req.OrderID,
		Action:  domain.Action(req.Action),
		UserID:  userID,
		Payload: req.Payload.toDomain(),
	})
	if err != nil {
		return nil, s.toStatus(err, "RequestAction", req.OrderID)
	}

	return &RequestActionResponse{Order: toOrderView(s.dispatcher.View(rec, userID))}, nil
}

// GetOrder возвращает заявку и её таймлайн синхронизации.
func (s *Service) GetOrder(ctx context.Context, req *GetOrderRequest) (*GetOrderResponse, error) {
	if req == nil || strings.TrimSpace(req.OrderID) == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}

	view, err := s.dispatcher.GetView(ctx, req.OrderID)
	if err != nil {
		return nil, s.toStatus(err, "GetOrder", req.OrderID)
	}

	return &GetOrderResponse{
		Order:    toOrderView(view),
		Timeline: s.buildTimeline(req.OrderID),
	}, nil
}

// ListOrders возвращает активные заявки заправщика текущей сессии.
func (s *Service) ListOrders(ctx context.Context, req *ListOrdersRequest) (*ListOrdersResponse, error) {
	includeClosed := req != nil && req.IncludeClosed

	views, err := s.dispatcher.ActiveView(ctx, includeClosed)
	if err != nil {
		return nil, s.toStatus(err, "ListOrders", "")
	}

	orders := make([]*OrderView, 0, len(views))
	for _, view := range views {
		orders = append(orders, toOrderView(view))
	}
	return &ListOrdersResponse{Orders: orders}, nil
}

func (s *Service) buildTimeline(orderID string) []*TimelineEvent {
	if s.timeline == nil {
		return nil
	}
	events, err := s.timeline.List(orderID)
	if err != nil {
		s.logger.WithError(err).WithField("order_id", orderID).Warn("failed to list timeline events")
		return nil
	}
	result := make([]*TimelineEvent, 0, len(events))
	for _, event := range events {
		result = append(result, &TimelineEvent{
			Type:     event.Type,
			Reason:   event.Reason,
			UnixTime: event.Occurred.Unix(),
		})
	}
	return result
}

// toStatus переводит доменную ошибку в gRPC status.
func (s *Service) toStatus(err error, operation, orderID string) error {
	code := StatusCode(err)
	if code == codes.Internal {
		s.logger.WithError(err).WithFields(log.Fields{
			"operation": operation,
			"order_id":  orderID,
		}).Error("console request failed")
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}

// StatusCode возвращает gRPC-код для доменной ошибки.
func StatusCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, domain.ErrOrderNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrUserRequired):
		return codes.Unauthenticated
	case errors.Is(err, domain.ErrActionNotPermitted):
		return codes.PermissionDenied
	case errors.Is(err, domain.ErrSyncInFlight):
		return codes.Aborted
	case errors.Is(err, ordersync.ErrEngineStopped):
		return codes.Unavailable
	case errors.Is(err, domain.ErrPendingChanges),
		errors.Is(err, domain.ErrSyncFailed),
		errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrRetryNotAllowed),
		errors.Is(err, domain.ErrNoPendingChanges):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrUnknownAction),
		errors.Is(err, domain.ErrOrderIDRequired),
		errors.Is(err, domain.ErrCompletionPayloadRequired),
		errors.Is(err, domain.ErrInvalidMeterReading),
		errors.Is(err, domain.ErrMeterReadingsReversed),
		errors.Is(err, domain.ErrNoFuelDispensed):
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

var _ ConsoleServer = (*Service)(nil)
