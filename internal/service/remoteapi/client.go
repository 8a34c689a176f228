package remoteapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

const maxErrorBodyBytes = 4 << 10

// ClientOptions задаёт параметры HTTP-клиента Remote Order API.
type ClientOptions struct {
	HTTPClient  *http.Client
	Logger      *log.Entry
	Breaker     *CircuitBreaker
	ListRetry   RetryConfig
	RequestTime time.Duration
}

// ClientOption изменяет ClientOptions.
type ClientOption func(*ClientOptions)

// WithHTTPClient задаёт http.Client (транспорт, TLS, прокси).
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *ClientOptions) {
		if c != nil {
			o.HTTPClient = c
		}
	}
}

// WithClientLogger задаёт логгер клиента.
func WithClientLogger(logger *log.Entry) ClientOption {
	return func(o *ClientOptions) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithBreaker включает circuit breaker для всех вызовов.
func WithBreaker(cb *CircuitBreaker) ClientOption {
	return func(o *ClientOptions) {
		o.Breaker = cb
	}
}

// WithListRetry задаёт повторы для чтения списка заявок.
func WithListRetry(cfg RetryConfig) ClientOption {
	return func(o *ClientOptions) {
		o.ListRetry = cfg
	}
}

// Client реализует domain.RemoteOrderAPI поверх HTTP/JSON.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  *log.Entry
	breaker *CircuitBreaker
	retry   RetryConfig
}

var _ domain.RemoteOrderAPI = (*Client)(nil)

// NewClient создаёт клиента для baseURL вида http://host:port.
func NewClient(baseURL string, options ...ClientOption) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote api url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("remote api url must be absolute: %q", baseURL)
	}

	opts := ClientOptions{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		ListRetry:  DefaultRetryConfig(),
	}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	if opts.Logger == nil {
		opts.Logger = log.New().WithField("component", "remote-api-client")
	}

	return &Client{
		baseURL: parsed,
		http:    opts.HTTPClient,
		logger:  opts.Logger,
		breaker: opts.Breaker,
		retry:   opts.ListRetry,
	}, nil
}

// Perform выполняет POST /orders/{id}/{action}. Не повторяет запрос: повтор решает пользователь через retry.
func (c *Client) Perform(ctx context.Context, req domain.RemoteRequest) (domain.RemoteOrder, error) {
	if req.OrderID == "" {
		return domain.RemoteOrder{}, domain.ErrOrderIDRequired
	}
	if !req.Action.Valid() || req.Action == domain.ActionRetry {
		return domain.RemoteOrder{}, fmt.Errorf("%w: %s", domain.ErrUnknownAction, req.Action)
	}

	var order domain.RemoteOrder
	err := c.guard(string(req.Action), func() error {
		var callErr error
		order, callErr = c.perform(ctx, req)
		return callErr
	})
	return order, err
}

func (c *Client) perform(ctx context.Context, req domain.RemoteRequest) (domain.RemoteOrder, error) {
	var body io.Reader
	if req.Action == domain.ActionComplete {
		raw, err := json.Marshal(NewCompletionBody(req.Payload))
		if err != nil {
			return domain.RemoteOrder{}, fmt.Errorf("encode completion: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	endpoint := c.endpoint("orders", req.OrderID, string(req.Action))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return domain.RemoteOrder{}, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(HeaderIdempotencyKey, req.IdempotencyKey)
	httpReq.Header.Set(HeaderWorkerID, req.WorkerID)
	httpReq.Header.Set(HeaderChangeVersion, strconv.FormatInt(req.BaseChangeVersion, 10))

	logger := c.logger.WithFields(log.Fields{
		"order_id":        req.OrderID,
		"action":          req.Action,
		"idempotency_key": req.IdempotencyKey,
	})

	resp, err := c.http.Do(httpReq)
	if err != nil {
		logger.WithError(err).Warn("remote call failed")
		return domain.RemoteOrder{}, transportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var env Envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return domain.RemoteOrder{}, fmt.Errorf("%w: decode response: %w", domain.ErrRemoteUnavailable, err)
		}
		return env.Domain(), nil

	case resp.StatusCode == http.StatusConflict:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Order.ID == "" {
			logger.Warn("remote conflict without canonical order")
			return domain.RemoteOrder{}, fmt.Errorf("%w: %s", domain.ErrRemoteConflict, errorMessage(raw, resp.Status))
		}
		logger.WithField("change_version", env.ChangeVersion).Info("remote conflict")
		return env.Domain(), fmt.Errorf("%w: order %s at change_version %d", domain.ErrRemoteConflict, req.OrderID, env.ChangeVersion)

	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return domain.RemoteOrder{}, statusError(resp.StatusCode, errorMessage(raw, resp.Status))
	}
}

// ListOrders выполняет GET /orders?worker_id=. Чтение безопасно повторять.
func (c *Client) ListOrders(ctx context.Context, workerID string) ([]domain.RemoteOrder, error) {
	var orders []domain.RemoteOrder
	err := executeWithRetry(ctx, c.retry, c.logger, "list_orders", func() error {
		return c.guard("list_orders", func() error {
			var callErr error
			orders, callErr = c.listOrders(ctx, workerID)
			return callErr
		})
	})
	return orders, err
}

func (c *Client) listOrders(ctx context.Context, workerID string) ([]domain.RemoteOrder, error) {
	endpoint := c.endpoint("orders")
	if workerID != "" {
		endpoint += "?" + url.Values{"worker_id": []string{workerID}}.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if workerID != "" {
		httpReq.Header.Set(HeaderWorkerID, workerID)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, statusError(resp.StatusCode, errorMessage(raw, resp.Status))
	}

	var list ListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", domain.ErrRemoteUnavailable, err)
	}
	orders := make([]domain.RemoteOrder, 0, len(list.Orders))
	for _, payload := range list.Orders {
		orders = append(orders, payload.Domain())
	}
	return orders, nil
}

func (c *Client) guard(operation string, fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	return c.breaker.Execute(operation, fn)
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, 0, len(segments))
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(segment))
	}
	return c.baseURL.String() + "/" + strings.Join(escaped, "/")
}

func transportError(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrRemoteUnavailable, err)
}

func statusError(code int, message string) error {
	switch {
	case code >= 500, code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return fmt.Errorf("%w: %d %s", domain.ErrRemoteUnavailable, code, message)
	case code == http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrRemoteConflict, message)
	default:
		return fmt.Errorf("%w: %d %s", domain.ErrRemoteRejected, code, message)
	}
}

func errorMessage(raw []byte, fallback string) string {
	var body ErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return msg
	}
	return fallback
}

// isRetryable пропускает только временные ошибки: отказ сервера и открытый breaker не повторяются.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrCircuitOpen) {
		return false
	}
	return errors.Is(err, domain.ErrRemoteUnavailable)
}
