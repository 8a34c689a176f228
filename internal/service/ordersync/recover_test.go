package ordersync_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
	"github.com/vladislavdragonenkov/fuelops/internal/service/ordersync"
	"github.com/vladislavdragonenkov/fuelops/internal/storage/memory"
)

// flakyStore отказывает в заданном числе последующих Save.
type flakyStore struct {
	domain.OrderStore

	mu    sync.Mutex
	fails int
}

func (s *flakyStore) failSaves(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails = n
}

func (s *flakyStore) Save(order domain.OrderRecord) error {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return errors.New("disk I/O error")
	}
	s.mu.Unlock()
	return s.OrderStore.Save(order)
}

// queuedLeftover — запись, оставшаяся queued после перезапуска агента.
func queuedLeftover() domain.OrderRecord {
	return domain.OrderRecord{
		ID:                        "42",
		Status:                    domain.OrderStatusFueling,
		AssignedWorkerID:          worker,
		ChangeVersion:             1,
		AcknowledgedChangeVersion: 1,
		SyncState:                 domain.SyncStateQueued,
		Call: &domain.RemoteCall{
			Seq:                  7,
			Action:               domain.ActionStartFueling,
			TargetStatus:         domain.OrderStatusFueling,
			PrevStatus:           domain.OrderStatusEnRoute,
			PrevAssignedWorkerID: worker,
			PrevAckVersion:       1,
			IdempotencyKey:       "k-7",
			BaseChangeVersion:    1,
			Attempt:              1,
			RequestedBy:          worker,
		},
	}
}

func TestRefreshFailsLeftoverQueuedCall(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Create(queuedLeftover()))
	h.remote.put(order42(domain.OrderStatusEnRoute, worker, 1))

	_, err := h.engine.Refresh(context.Background(), worker)
	require.NoError(t, err)

	stored := h.get(t)
	require.Equal(t, domain.SyncStateFailed, stored.SyncState)
	require.Equal(t, domain.OrderStatusEnRoute, stored.Status)
	require.Contains(t, stored.LastError, "interrupted")
	require.NotNil(t, stored.Call)
	requireInvariants(t, stored)
	require.Contains(t, h.timelineTypes(t), domain.EventSyncFailed)

	_, err = h.request(domain.ActionRetry, nil)
	require.NoError(t, err)
	h.engine.Wait()

	calls := h.remote.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, "k-7", calls[0].IdempotencyKey)

	stored = h.get(t)
	require.Equal(t, domain.SyncStateSynced, stored.SyncState)
	require.Equal(t, domain.OrderStatusFueling, stored.Status)
	require.Nil(t, stored.Call)
}

func TestActionOnLeftoverQueuedCallRequiresRetry(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Create(queuedLeftover()))
	h.remote.put(order42(domain.OrderStatusEnRoute, worker, 1))

	_, err := h.request(domain.ActionStartFueling, nil)
	require.ErrorIs(t, err, domain.ErrSyncFailed)
	require.Equal(t, domain.SyncStateFailed, h.get(t).SyncState)

	queued, err := h.request(domain.ActionRetry, nil)
	require.NoError(t, err)
	require.Greater(t, queued.Call.Seq, uint64(7), "call numbering continues after persisted calls")
	h.engine.Wait()

	require.Equal(t, domain.SyncStateSynced, h.get(t).SyncState)
}

func TestRecoverInterruptedSkipsLiveCalls(t *testing.T) {
	h := newHarness(t)
	h.seed(t, order42(domain.OrderStatusAcknowledged, worker, 1))

	release := h.remote.holdCalls()
	_, err := h.request(domain.ActionEnRoute, nil)
	require.NoError(t, err)

	recovered, err := h.engine.RecoverInterrupted(worker)
	require.NoError(t, err)
	require.Zero(t, recovered)
	require.Equal(t, domain.SyncStateQueued, h.get(t).SyncState)

	release()
	h.engine.Wait()
	require.Equal(t, domain.SyncStateSynced, h.get(t).SyncState)
}

func TestResolveRetriesFailedSave(t *testing.T) {
	cases := []struct {
		name      string
		saveFails int
		state     domain.SyncState
	}{
		{name: "single save error", saveFails: 1, state: domain.SyncStateSynced},
		{name: "save keeps failing", saveFails: 3, state: domain.SyncStateQueued},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &flakyStore{OrderStore: memory.NewOrderStore()}
			remote := newFakeRemote()
			engine := ordersync.NewEngine(store, remote, ordersync.WithLogger(loggerForTests()))
			t.Cleanup(func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = engine.Shutdown(ctx)
			})
			dispatcher := ordersync.NewDispatcher(engine, ordersync.StaticSession{UserID: worker}, nil, loggerForTests())
			request := func(action domain.Action) error {
				_, err := dispatcher.RequestAction(context.Background(), domain.ActionRequest{OrderID: "42", Action: action})
				return err
			}

			order := order42(domain.OrderStatusAcknowledged, worker, 1)
			remote.put(order)
			_, err := engine.ObservePush(order)
			require.NoError(t, err)

			release := remote.holdCalls()
			require.NoError(t, request(domain.ActionEnRoute))
			store.failSaves(tc.saveFails)
			release()
			engine.Wait()

			stored, err := engine.Get("42")
			require.NoError(t, err)
			require.Equal(t, tc.state, stored.SyncState)
			if tc.state == domain.SyncStateSynced {
				return
			}

			recovered, err := engine.RecoverInterrupted(worker)
			require.NoError(t, err)
			require.Equal(t, 1, recovered)
			stored, err = engine.Get("42")
			require.NoError(t, err)
			require.Equal(t, domain.SyncStateFailed, stored.SyncState)
			require.Equal(t, domain.OrderStatusAcknowledged, stored.Status)

			// fakeRemote не помнит idempotency-key, поэтому заявка на сервере возвращается к исходной.
			remote.put(order)
			require.NoError(t, request(domain.ActionRetry))
			engine.Wait()
			stored, err = engine.Get("42")
			require.NoError(t, err)
			require.Equal(t, domain.SyncStateSynced, stored.SyncState)
			require.Equal(t, domain.OrderStatusEnRoute, stored.Status)
		})
	}
}
