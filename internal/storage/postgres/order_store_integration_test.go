package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

func sampleFuelOrder(id, worker string, updatedAt time.Time) domain.OrderRecord {
	return domain.OrderRecord{
		ID:                        id,
		Status:                    domain.OrderStatusAcknowledged,
		AssignedWorkerID:          worker,
		ChangeVersion:             2,
		AcknowledgedChangeVersion: 2,
		SyncState:                 domain.SyncStateSynced,
		UpdatedAt:                 updatedAt,
	}
}

func TestOrderStore_PostgresCreateGetList(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOrderStore(store)

	now := time.Now().UTC().Round(time.Microsecond)
	for _, order := range []domain.OrderRecord{
		sampleFuelOrder("order-b", "worker-1", now),
		sampleFuelOrder("order-a", "", now),
		sampleFuelOrder("order-c", "worker-2", now),
	} {
		if err := repo.Create(order); err != nil {
			t.Fatalf("create %s: %v", order.ID, err)
		}
	}

	if err := repo.Create(sampleFuelOrder("order-a", "", now)); !errors.Is(err, domain.ErrOrderAlreadyExists) {
		t.Fatalf("expected ErrOrderAlreadyExists, got %v", err)
	}
	if err := repo.Create(domain.OrderRecord{}); !errors.Is(err, domain.ErrOrderIDRequired) {
		t.Fatalf("expected ErrOrderIDRequired, got %v", err)
	}

	got, err := repo.Get("order-b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AssignedWorkerID != "worker-1" || got.ChangeVersion != 2 || got.Call != nil || got.Completion != nil {
		t.Fatalf("unexpected stored order: %+v", got)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Fatalf("expected updated_at %s, got %s", now, got.UpdatedAt)
	}

	if _, err := repo.Get("missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	orders, err := repo.ListForWorker("worker-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 2 || orders[0].ID != "order-a" || orders[1].ID != "order-b" {
		t.Fatalf("unexpected worker list: %+v", orders)
	}
}

func TestOrderStore_PostgresQueuedCallRoundTrip(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOrderStore(store)

	now := time.Now().UTC().Round(time.Microsecond)
	order := sampleFuelOrder("order-1", "worker-1", now)
	order.Status = domain.OrderStatusFueling
	if err := repo.Create(order); err != nil {
		t.Fatalf("create: %v", err)
	}

	payload := &domain.CompletionPayload{
		StartMeterReading: decimal.RequireFromString("1000.125"),
		EndMeterReading:   decimal.RequireFromString("1420.25"),
		Notes:             "stand 14",
	}

	stored, err := repo.Get(order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	stored.Status = domain.OrderStatusCompleted
	stored.SyncState = domain.SyncStateQueued
	stored.Completion = payload.Clone()
	stored.Call = &domain.RemoteCall{
		Seq:                  11,
		Action:               domain.ActionComplete,
		TargetStatus:         domain.OrderStatusCompleted,
		RequestedBy:          "worker-1",
		PrevStatus:           domain.OrderStatusFueling,
		PrevAssignedWorkerID: "worker-1",
		PrevAckVersion:       2,
		BaseChangeVersion:    2,
		Payload:              payload.Clone(),
		IdempotencyKey:       "key-11",
		Attempt:              1,
		IssuedAt:             now,
	}
	stored.UpdatedAt = now.Add(time.Second)
	if err := repo.Save(stored); err != nil {
		t.Fatalf("save queued: %v", err)
	}

	got, err := repo.Get(order.ID)
	if err != nil {
		t.Fatalf("get after save: %v", err)
	}
	if got.Revision != stored.Revision+1 {
		t.Fatalf("expected revision %d, got %d", stored.Revision+1, got.Revision)
	}
	if got.SyncState != domain.SyncStateQueued || got.Call == nil {
		t.Fatalf("expected queued call, got %+v", got)
	}
	if got.Call.Seq != 11 || got.Call.IdempotencyKey != "key-11" || got.Call.PrevStatus != domain.OrderStatusFueling {
		t.Fatalf("unexpected call: %+v", got.Call)
	}
	if got.Call.Payload == nil || !got.Call.Payload.EndMeterReading.Equal(payload.EndMeterReading) {
		t.Fatalf("call payload lost: %+v", got.Call.Payload)
	}
	if got.Completion == nil || got.Completion.Dispensed().String() != "420.125" || got.Completion.Notes != "stand 14" {
		t.Fatalf("unexpected completion draft: %+v", got.Completion)
	}
}

func TestOrderStore_PostgresRevisionConflict(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOrderStore(store)

	if err := repo.Create(sampleFuelOrder("order-1", "worker-1", time.Now().UTC())); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := repo.Get("order-1")
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	second := first

	first.ChangeVersion = 3
	if err := repo.Save(first); err != nil {
		t.Fatalf("save first: %v", err)
	}

	second.Status = domain.OrderStatusEnRoute
	if err := repo.Save(second); !errors.Is(err, domain.ErrOrderRevisionConflict) {
		t.Fatalf("expected ErrOrderRevisionConflict, got %v", err)
	}

	missing := sampleFuelOrder("missing", "", time.Now().UTC())
	if err := repo.Save(missing); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	if err := repo.Delete("order-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.Delete("order-1"); err != nil {
		t.Fatalf("second delete must be no-op: %v", err)
	}
	if _, err := repo.Get("order-1"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound after delete, got %v", err)
	}
}
