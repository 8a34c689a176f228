package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
	"github.com/vladislavdragonenkov/fuelops/internal/service/remoteapi"
)

const maxBodyBytes = 1 << 20

// ChangePublisher рассылает изменения канонических записей (push для агентов).
type ChangePublisher interface {
	PublishOrder(ctx context.Context, order domain.RemoteOrder, reason string) error
}

// Server симулирует Remote Order API и диспетчерскую консоль по HTTP.
type Server struct {
	store     *Store
	idem      domain.IdempotencyRepository
	publisher ChangePublisher
	faults    *Faults
	logger    *log.Entry
}

// Option настраивает Server.
type Option func(*Server)

// WithPublisher подключает рассылку изменений.
func WithPublisher(p ChangePublisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// WithFaults подключает инъекцию отказов.
func WithFaults(f *Faults) Option {
	return func(s *Server) {
		s.faults = f
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer создаёт симулятор поверх канонического хранилища.
func NewServer(store *Store, idem domain.IdempotencyRepository, options ...Option) *Server {
	s := &Server{
		store:  store,
		idem:   idem,
		logger: log.New().WithField("component", "dispatch-sim"),
	}
	for _, option := range options {
		if option != nil {
			option(s)
		}
	}
	return s
}

// Routes возвращает HTTP-обработчик.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/orders", func(r chi.Router) {
		r.Get("/", s.listOrders)
		r.Get("/{id}", s.getOrder)
		r.With(s.faults.Middleware).Post("/{id}/{action}", s.performAction)
	})
	r.Route("/dispatch/orders", func(r chi.Router) {
		r.Post("/", s.dispatchOrder)
		r.Post("/{id}/changes", s.editOrder)
	})
	return r
}

type dispatchRequest struct {
	ID               string `json:"id"`
	AssignedWorkerID string `json:"assigned_worker_id,omitempty"`
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	orders := s.store.List(workerID)

	resp := remoteapi.ListResponse{Orders: make([]remoteapi.OrderPayload, 0, len(orders))}
	for _, order := range orders {
		resp.Orders = append(resp.Orders, remoteapi.NewOrderPayload(order))
	}
	respond(w, http.StatusOK, resp)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	respond(w, http.StatusOK, envelope(order))
}

func (s *Server) performAction(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	action := domain.Action(chi.URLParam(r, "action"))
	workerID := r.Header.Get(remoteapi.HeaderWorkerID)
	key := strings.TrimSpace(r.Header.Get(remoteapi.HeaderIdempotencyKey))

	if !action.Valid() || action == domain.ActionRetry {
		respondError(w, http.StatusBadRequest, domain.ErrUnknownAction)
		return
	}
	if key == "" {
		respondError(w, http.StatusBadRequest, domain.ErrIdempotencyKeyRequired)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	base, _ := strconv.ParseInt(r.Header.Get(remoteapi.HeaderChangeVersion), 10, 64)
	req := domain.RemoteRequest{
		OrderID:           orderID,
		Action:            action,
		WorkerID:          workerID,
		IdempotencyKey:    key,
		BaseChangeVersion: base,
	}
	if action == domain.ActionComplete && len(body) > 0 {
		var completion remoteapi.CompletionBody
		if err := json.Unmarshal(body, &completion); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		req.Payload = completion.Domain()
	}

	logger := s.logger.WithFields(log.Fields{
		"order_id":        orderID,
		"action":          action,
		"worker_id":       workerID,
		"idempotency_key": key,
	})

	hash := requestHash(req, body)
	if replayed := s.replay(w, logger, key, hash); replayed {
		return
	}

	status, payload := s.apply(r.Context(), logger, req)
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.WithError(err).Error("failed to encode response")
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if status < 300 {
		err = s.idem.MarkDone(key, raw, status)
	} else {
		err = s.idem.MarkFailed(key, raw, status)
	}
	if err != nil {
		logger.WithError(err).Warn("failed to store idempotent response")
	}

	writeRaw(w, status, raw)
}

func (s *Server) apply(ctx context.Context, logger *log.Entry, req domain.RemoteRequest) (int, any) {
	order, err := s.store.Perform(req)
	switch {
	case err == nil:
		reason := ChangeTransitioned
		if req.Action == domain.ActionAcknowledgeChange {
			reason = ChangeAcknowledged
		}
		s.publish(ctx, order, reason)
		logger.WithField("status", order.Status).Info("action applied")
		return http.StatusOK, envelope(order)
	case errors.Is(err, domain.ErrRemoteConflict):
		logger.WithError(err).Info("action conflicts with canonical order")
		return http.StatusConflict, envelope(order)
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound, remoteapi.ErrorBody{Error: err.Error()}
	case errors.Is(err, domain.ErrRemoteRejected), errors.Is(err, domain.ErrUnknownAction):
		return http.StatusBadRequest, remoteapi.ErrorBody{Error: err.Error()}
	default:
		// Невалидные показания счётчика.
		return http.StatusUnprocessableEntity, remoteapi.ErrorBody{Error: err.Error()}
	}
}

// replay отдаёт сохранённый ответ, если запрос с этим ключом уже выполнялся.
func (s *Server) replay(w http.ResponseWriter, logger *log.Entry, key, hash string) bool {
	record, err := s.idem.CreateProcessing(key, hash, time.Time{})
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		respondError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		if !record.Replayable() {
			respondError(w, http.StatusTooManyRequests, errors.New("request with the same idempotency key is already processing"))
			break
		}
		logger.Info("idempotent replay")
		writeRaw(w, record.HTTPStatus, record.ResponseBody)
	default:
		logger.WithError(err).Warn("failed to create idempotency record")
		respondError(w, http.StatusInternalServerError, err)
	}
	return true
}

func (s *Server) dispatchOrder(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	order, err := s.store.Dispatch(req.ID, req.AssignedWorkerID)
	switch {
	case errors.Is(err, domain.ErrOrderAlreadyExists):
		respondError(w, http.StatusConflict, err)
		return
	case err != nil:
		respondError(w, http.StatusBadRequest, err)
		return
	}

	s.publish(r.Context(), order, ChangeDispatched)
	respond(w, http.StatusCreated, envelope(order))
}

func (s *Server) editOrder(w http.ResponseWriter, r *http.Request) {
	var change DispatchChange
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&change); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	order, err := s.store.Edit(chi.URLParam(r, "id"), change)
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, domain.ErrIllegalTransition):
		respond(w, http.StatusConflict, envelope(order))
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.WithFields(log.Fields{
		"order_id":       order.ID,
		"change_version": order.ChangeVersion,
		"note":           change.Note,
	}).Info("dispatcher changed order")
	s.publish(r.Context(), order, ChangeEdited)
	respond(w, http.StatusOK, envelope(order))
}

func (s *Server) publish(ctx context.Context, order domain.RemoteOrder, reason string) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishOrder(ctx, order, reason); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"reason":   reason,
		}).Warn("failed to publish order change")
	}
}

func envelope(order domain.RemoteOrder) remoteapi.Envelope {
	return remoteapi.Envelope{
		Order:         remoteapi.NewOrderPayload(order),
		ChangeVersion: order.ChangeVersion,
	}
}

func respond(w http.ResponseWriter, status int, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeRaw(w, status, raw)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respond(w, status, remoteapi.ErrorBody{Error: err.Error()})
}

func writeRaw(w http.ResponseWriter, status int, raw []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}
