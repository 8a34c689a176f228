package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
	"github.com/vladislavdragonenkov/fuelops/internal/service/console"
)

// lifecycle перечисляет шаги, которые шторм кликов проходит для каждой заявки.
var lifecycle = []domain.Action{
	domain.ActionClaim,
	domain.ActionEnRoute,
	domain.ActionStartFueling,
	domain.ActionComplete,
}

type config struct {
	addr         string
	workerID     string
	orders       int
	clicks       int
	timeout      time.Duration
	settle       time.Duration
	pollInterval time.Duration
	outputPath   string
}

// consoleClient описывает часть console.Client, нужную нагрузочному тесту.
type consoleClient interface {
	RequestAction(ctx context.Context, in *console.RequestActionRequest, opts ...grpc.CallOption) (*console.RequestActionResponse, error)
	GetOrder(ctx context.Context, in *console.GetOrderRequest, opts ...grpc.CallOption) (*console.GetOrderResponse, error)
	ListOrders(ctx context.Context, in *console.ListOrdersRequest, opts ...grpc.CallOption) (*console.ListOrdersResponse, error)
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type actionReport struct {
	Clicks    int64            `json:"clicks"`
	Accepted  int64            `json:"accepted"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt       time.Time               `json:"started_at"`
	DurationSeconds float64                 `json:"duration_seconds"`
	Orders          int                     `json:"orders"`
	Completed       int                     `json:"completed"`
	Bursts          int64                   `json:"bursts"`
	Violations      int64                   `json:"violations"`
	Errors          []string                `json:"errors,omitempty"`
	Actions         map[string]actionReport `json:"actions"`
}

type actionStats struct {
	clicks    int64
	accepted  int64
	codes     map[string]int64
	latencies []float64
}

type collector struct {
	mu         sync.Mutex
	actions    map[string]*actionStats
	bursts     int64
	violations int64
	completed  int
	errors     []string
}

func newCollector() *collector {
	return &collector{actions: make(map[string]*actionStats)}
}

func (c *collector) record(action domain.Action, latency time.Duration, code codes.Code) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.actions[string(action)]
	if !ok {
		stats = &actionStats{codes: make(map[string]int64)}
		c.actions[string(action)] = stats
	}
	stats.clicks++
	if code == codes.OK {
		stats.accepted++
	}
	stats.codes[code.String()]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

// burst фиксирует итог серии кликов; больше одного принятого клика считается нарушением.
func (c *collector) burst(accepted int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bursts++
	if accepted > 1 {
		c.violations++
	}
}

func (c *collector) fail(orderID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, fmt.Sprintf("%s: %v", orderID, err))
}

func (c *collector) complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed++
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration, orders int) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Orders:          orders,
		Completed:       c.completed,
		Bursts:          c.bursts,
		Violations:      c.violations,
		Errors:          append([]string(nil), c.errors...),
		Actions:         make(map[string]actionReport, len(c.actions)),
	}
	for name, stats := range c.actions {
		codesCopy := make(map[string]int64, len(stats.codes))
		for code, count := range stats.codes {
			codesCopy[code] = count
		}
		result.Actions[name] = actionReport{
			Clicks:    stats.clicks,
			Accepted:  stats.accepted,
			Codes:     codesCopy,
			LatencyMs: buildLatencySummary(stats.latencies),
		}
	}
	return result
}

func parseConfig(args []string) (config, error) {
	var cfg config

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.addr, "addr", "localhost:50051", "fuel-agent console gRPC address")
	fs.StringVar(&cfg.workerID, "worker", "", "worker id sent as x-user-id")
	fs.IntVar(&cfg.orders, "orders", 10, "max number of dispatched orders to drive through the lifecycle")
	fs.IntVar(&cfg.clicks, "clicks", 20, "concurrent clicks per lifecycle step")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-RPC timeout")
	fs.DurationVar(&cfg.settle, "settle", 40*time.Second, "max wait for a queued call to settle")
	fs.DurationVar(&cfg.pollInterval, "poll-interval", 50*time.Millisecond, "sync state poll interval")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.workerID = strings.TrimSpace(cfg.workerID)
	switch {
	case cfg.workerID == "":
		return cfg, errors.New("worker is required")
	case cfg.orders <= 0:
		return cfg, errors.New("orders must be > 0")
	case cfg.clicks <= 0:
		return cfg, errors.New("clicks must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.settle <= 0:
		return cfg, errors.New("settle must be > 0")
	case cfg.pollInterval <= 0:
		return cfg, errors.New("poll-interval must be > 0")
	}
	return cfg, nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	conn, err := grpc.NewClient(cfg.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to create grpc client connection: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	result, err := run(context.Background(), console.NewClient(conn), cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.Violations > 0 || len(result.Errors) > 0 {
		os.Exit(1)
	}
}

// run прогоняет все выбранные заявки параллельно, каждую по шагам lifecycle.
func run(ctx context.Context, client consoleClient, cfg config) (report, error) {
	startedAt := time.Now()
	ctx = console.WithUser(ctx, cfg.workerID)

	orderIDs, err := pickOrders(ctx, client, cfg)
	if err != nil {
		return report{}, err
	}
	if len(orderIDs) == 0 {
		return report{}, errors.New("no dispatched orders available")
	}

	col := newCollector()
	var wg sync.WaitGroup
	for _, id := range orderIDs {
		wg.Add(1)
		go func(orderID string) {
			defer wg.Done()
			if err := driveOrder(ctx, client, cfg, orderID, col); err != nil {
				col.fail(orderID, err)
				return
			}
			col.complete()
		}(id)
	}
	wg.Wait()

	return col.buildReport(startedAt, time.Since(startedAt), len(orderIDs)), nil
}

func pickOrders(ctx context.Context, client consoleClient, cfg config) ([]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	resp, err := client.ListOrders(callCtx, &console.ListOrdersRequest{})
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	var ids []string
	for _, order := range resp.Orders {
		if order.Status == string(domain.OrderStatusDispatched) && order.SyncState == string(domain.SyncStateSynced) {
			ids = append(ids, order.ID)
		}
		if len(ids) == cfg.orders {
			break
		}
	}
	return ids, nil
}

func driveOrder(ctx context.Context, client consoleClient, cfg config, orderID string, col *collector) error {
	for _, action := range lifecycle {
		for {
			accepted := storm(ctx, client, cfg, orderID, action, col)
			col.burst(accepted)
			if accepted == 0 {
				return fmt.Errorf("no click accepted for %s", action)
			}

			order, err := waitSettled(ctx, client, cfg, orderID)
			if err != nil {
				return err
			}
			if order.SyncState == string(domain.SyncStateSynced) {
				break
			}
			if order.PendingChanges {
				return fmt.Errorf("dispatcher changed order during %s", action)
			}
			// failed: следующий шторм повторяет тот же шаг через retry.
			action = domain.ActionRetry
		}
	}
	return nil
}

// storm одновременно отправляет cfg.clicks одинаковых запросов и возвращает число принятых.
func storm(ctx context.Context, client consoleClient, cfg config, orderID string, action domain.Action, col *collector) int {
	req := &console.RequestActionRequest{OrderID: orderID, Action: string(action)}
	if action == domain.ActionComplete {
		req.Payload = &console.CompletionPayload{
			StartMeterReading: decimal.NewFromInt(1000),
			EndMeterReading:   decimal.RequireFromString("1420.5"),
			Notes:             "loadtest",
		}
	}

	start := make(chan struct{})
	results := make(chan codes.Code, cfg.clicks)
	var wg sync.WaitGroup
	for i := 0; i < cfg.clicks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			callStart := time.Now()
			callCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
			defer cancel()
			_, err := client.RequestAction(callCtx, req)
			code := status.Code(err)
			col.record(action, time.Since(callStart), code)
			results <- code
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	accepted := 0
	for code := range results {
		if code == codes.OK {
			accepted++
		}
	}
	return accepted
}

func waitSettled(ctx context.Context, client consoleClient, cfg config, orderID string) (*console.OrderView, error) {
	deadline := time.Now().Add(cfg.settle)
	for {
		callCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
		resp, err := client.GetOrder(callCtx, &console.GetOrderRequest{OrderID: orderID})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("get order: %w", err)
		}
		if resp.Order.SyncState != string(domain.SyncStateQueued) {
			return resp.Order, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("order %s still queued after %s", orderID, cfg.settle)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.pollInterval):
		}
	}
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(w io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(w, "Click storm summary")
	_, _ = fmt.Fprintf(w, "worker=%s orders=%d completed=%d clicks_per_step=%d bursts=%d violations=%d\n",
		cfg.workerID, result.Orders, result.Completed, cfg.clicks, result.Bursts, result.Violations)
	_, _ = fmt.Fprintf(w, "duration=%.2fs\n", result.DurationSeconds)

	names := make([]string, 0, len(result.Actions))
	for name := range result.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stats := result.Actions[name]
		_, _ = fmt.Fprintf(w, "%s: clicks=%d accepted=%d p95=%.2fms codes=%v\n",
			name, stats.Clicks, stats.Accepted, stats.LatencyMs.P95, stats.Codes)
	}
	for _, failure := range result.Errors {
		_, _ = fmt.Fprintf(w, "error: %s\n", failure)
	}
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}
