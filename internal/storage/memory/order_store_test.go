package memory_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
	"github.com/vladislavdragonenkov/fuelops/internal/storage/memory"
)

func newOrder(id, worker string) domain.OrderRecord {
	return domain.OrderRecord{
		ID:               id,
		Status:           domain.OrderStatusAcknowledged,
		AssignedWorkerID: worker,
		ChangeVersion:    1,
		SyncState:        domain.SyncStateSynced,
		UpdatedAt:        time.Now().UTC(),
	}
}

func TestOrderStore_CreateGet(t *testing.T) {
	repo := memory.NewOrderStore()
	order := newOrder("order-1", "worker-1")

	if err := repo.Create(order); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.Create(order); !errors.Is(err, domain.ErrOrderAlreadyExists) {
		t.Fatalf("expected ErrOrderAlreadyExists, got %v", err)
	}

	stored, err := repo.Get(order.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.ID != order.ID || stored.AssignedWorkerID != "worker-1" {
		t.Fatalf("unexpected stored order %+v", stored)
	}

	if _, err := repo.Get("missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderStore_ListForWorker(t *testing.T) {
	repo := memory.NewOrderStore()
	for _, order := range []domain.OrderRecord{
		newOrder("order-3", "worker-1"),
		newOrder("order-1", ""),
		newOrder("order-2", "worker-2"),
	} {
		if err := repo.Create(order); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	orders, err := repo.ListForWorker("worker-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(orders) != 2 || orders[0].ID != "order-1" || orders[1].ID != "order-3" {
		t.Fatalf("unexpected orders: %+v", orders)
	}
}

func TestOrderStore_SaveRevision(t *testing.T) {
	repo := memory.NewOrderStore()
	order := newOrder("order-1", "worker-1")
	if err := repo.Create(order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stored, err := repo.Get(order.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	stored.Status = domain.OrderStatusEnRoute
	if err := repo.Save(stored); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	updated, err := repo.Get(order.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if updated.Revision != stored.Revision+1 {
		t.Fatalf("expected revision %d, got %d", stored.Revision+1, updated.Revision)
	}

	// Повторное сохранение со старой ревизией даёт конфликт.
	if err := repo.Save(stored); !errors.Is(err, domain.ErrOrderRevisionConflict) {
		t.Fatalf("expected revision conflict, got %v", err)
	}
}

func TestOrderStore_CopiesRecords(t *testing.T) {
	repo := memory.NewOrderStore()
	order := newOrder("order-1", "worker-1")
	order.Completion = &domain.CompletionPayload{
		StartMeterReading: decimal.NewFromInt(100),
		EndMeterReading:   decimal.NewFromInt(200),
	}
	if err := repo.Create(order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	order.Completion.Notes = "mutated"
	stored, _ := repo.Get("order-1")
	if stored.Completion.Notes != "" {
		t.Fatal("store must keep its own copy of the completion draft")
	}

	if err := repo.Delete("order-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := repo.Get("order-1"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound after delete, got %v", err)
	}
}
