package ordersync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

func queuedRecord(action domain.Action, prev, target domain.OrderStatus, version int64) domain.OrderRecord {
	return domain.OrderRecord{
		ID:                        "42",
		Status:                    target,
		AssignedWorkerID:          "worker-1",
		ChangeVersion:             version,
		AcknowledgedChangeVersion: version,
		SyncState:                 domain.SyncStateQueued,
		Call: &domain.RemoteCall{
			Seq:                  7,
			Action:               action,
			TargetStatus:         target,
			PrevStatus:           prev,
			PrevAssignedWorkerID: "worker-1",
			PrevAckVersion:       version,
			BaseChangeVersion:    version,
		},
	}
}

func TestReconcileDiscardsStaleOutcomes(t *testing.T) {
	rec := queuedRecord(domain.ActionEnRoute, domain.OrderStatusAcknowledged, domain.OrderStatusEnRoute, 1)

	got := Reconcile(&rec, Outcome{Seq: 6, Err: errors.New("late timeout")})
	require.Equal(t, DispositionStale, got)
	require.Equal(t, domain.SyncStateQueued, rec.SyncState)

	synced := domain.OrderRecord{ID: "42", Status: domain.OrderStatusEnRoute, SyncState: domain.SyncStateSynced}
	require.Equal(t, DispositionStale, Reconcile(&synced, Outcome{Seq: 7}))
}

func TestReconcileTable(t *testing.T) {
	cases := []struct {
		name        string
		out         Outcome
		disposition Disposition
		status      domain.OrderStatus
		syncState   domain.SyncState
		version     int64
		pending     bool
	}{
		{
			name:        "success",
			out:         Outcome{Seq: 7, Response: domain.RemoteOrder{ID: "42", Status: domain.OrderStatusEnRoute, AssignedWorkerID: "worker-1", ChangeVersion: 3}},
			disposition: DispositionSynced,
			status:      domain.OrderStatusEnRoute,
			syncState:   domain.SyncStateSynced,
			version:     3,
		},
		{
			name:        "success with newer change version",
			out:         Outcome{Seq: 7, Response: domain.RemoteOrder{ID: "42", Status: domain.OrderStatusEnRoute, AssignedWorkerID: "worker-1", ChangeVersion: 4}},
			disposition: DispositionConflict,
			status:      domain.OrderStatusEnRoute,
			syncState:   domain.SyncStateSynced,
			version:     4,
			pending:     true,
		},
		{
			name:        "conflict status code",
			out:         Outcome{Seq: 7, Response: domain.RemoteOrder{ID: "42", Status: domain.OrderStatusCancelled, AssignedWorkerID: "worker-1", ChangeVersion: 5}, Err: domain.ErrRemoteConflict},
			disposition: DispositionConflict,
			status:      domain.OrderStatusCancelled,
			syncState:   domain.SyncStateSynced,
			version:     5,
			pending:     true,
		},
		{
			name:        "conflict without body is a failure",
			out:         Outcome{Seq: 7, Err: domain.ErrRemoteConflict},
			disposition: DispositionFailed,
			status:      domain.OrderStatusAcknowledged,
			syncState:   domain.SyncStateFailed,
			version:     3,
		},
		{
			name:        "conflict status code at the base change version",
			out:         Outcome{Seq: 7, Response: domain.RemoteOrder{ID: "42", Status: domain.OrderStatusFueling, AssignedWorkerID: "worker-1", ChangeVersion: 3}, Err: fmt.Errorf("%w: order is fueling", domain.ErrRemoteConflict)},
			disposition: DispositionFailed,
			status:      domain.OrderStatusFueling,
			syncState:   domain.SyncStateFailed,
			version:     3,
		},
		{
			name:        "network error",
			out:         Outcome{Seq: 7, Err: domain.ErrRemoteUnavailable},
			disposition: DispositionFailed,
			status:      domain.OrderStatusAcknowledged,
			syncState:   domain.SyncStateFailed,
			version:     3,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := queuedRecord(domain.ActionEnRoute, domain.OrderStatusAcknowledged, domain.OrderStatusEnRoute, 3)

			require.Equal(t, tc.disposition, Reconcile(&rec, tc.out))
			require.Equal(t, tc.status, rec.Status)
			require.Equal(t, tc.syncState, rec.SyncState)
			require.Equal(t, tc.version, rec.ChangeVersion)
			require.Equal(t, tc.pending, rec.HasPendingChanges())
			require.Equal(t, int64(3), rec.AcknowledgedChangeVersion, "changes are never acknowledged automatically")
			require.Empty(t, rec.ValidateInvariants())
		})
	}
}

func TestReconcileFailureKeepsCallForRetry(t *testing.T) {
	rec := queuedRecord(domain.ActionComplete, domain.OrderStatusFueling, domain.OrderStatusCompleted, 2)
	rec.Call.Payload = &domain.CompletionPayload{Notes: "draft"}
	rec.Completion = rec.Call.Payload.Clone()

	require.Equal(t, DispositionFailed, Reconcile(&rec, Outcome{Seq: 7, Err: errors.New("502 bad gateway")}))
	require.Equal(t, domain.OrderStatusFueling, rec.Status)
	require.Equal(t, "502 bad gateway", rec.LastError)
	require.NotNil(t, rec.Call)
	require.Equal(t, domain.OrderStatusCompleted, rec.Call.TargetStatus)
	require.Equal(t, "draft", rec.Completion.Notes)
}

func TestReconcileAcknowledgeOnlyConfirmsSeenVersion(t *testing.T) {
	rec := queuedRecord(domain.ActionAcknowledgeChange, domain.OrderStatusEnRoute, domain.OrderStatusEnRoute, 4)
	rec.Call.PrevAckVersion = 3

	// Пока шло подтверждение, диспетчер снова изменил заявку.
	resp := domain.RemoteOrder{ID: "42", Status: domain.OrderStatusEnRoute, AssignedWorkerID: "worker-1", ChangeVersion: 5, AcknowledgedChangeVersion: 4}
	require.Equal(t, DispositionConflict, Reconcile(&rec, Outcome{Seq: 7, Response: resp}))
	require.Equal(t, int64(4), rec.AcknowledgedChangeVersion)
	require.Equal(t, int64(5), rec.ChangeVersion)
	require.True(t, rec.HasPendingChanges())

	failed := queuedRecord(domain.ActionAcknowledgeChange, domain.OrderStatusEnRoute, domain.OrderStatusEnRoute, 4)
	failed.Call.PrevAckVersion = 3
	require.Equal(t, DispositionFailed, Reconcile(&failed, Outcome{Seq: 7, Err: domain.ErrRemoteUnavailable}))
	require.Equal(t, int64(3), failed.AcknowledgedChangeVersion)
	require.True(t, failed.HasPendingChanges())
}

func TestReconcileConflictWithoutDispatcherEditKeepsServerMessage(t *testing.T) {
	rec := queuedRecord(domain.ActionEnRoute, domain.OrderStatusAcknowledged, domain.OrderStatusEnRoute, 3)
	resp := domain.RemoteOrder{ID: "42", Status: domain.OrderStatusFueling, AssignedWorkerID: "worker-1", ChangeVersion: 3}

	got := Reconcile(&rec, Outcome{Seq: 7, Response: resp, Err: fmt.Errorf("%w: order is fueling", domain.ErrRemoteConflict)})
	require.Equal(t, DispositionFailed, got)
	require.Contains(t, rec.LastError, "order is fueling")
	require.NotNil(t, rec.Call, "retry resends the same request")
	require.Equal(t, domain.OrderStatusEnRoute, rec.Call.TargetStatus)
	require.False(t, rec.HasPendingChanges())
}

func TestReconcileLateSuccessYieldsToPushedState(t *testing.T) {
	cases := []struct {
		name     string
		action   domain.Action
		prev     domain.OrderStatus
		target   domain.OrderStatus
		pushed   domain.OrderStatus
		assignee string
	}{
		{name: "reassigned while en route", action: domain.ActionEnRoute, prev: domain.OrderStatusAcknowledged, target: domain.OrderStatusEnRoute, pushed: domain.OrderStatusEnRoute, assignee: "worker-2"},
		{name: "status reverted by dispatcher", action: domain.ActionStartFueling, prev: domain.OrderStatusEnRoute, target: domain.OrderStatusFueling, pushed: domain.OrderStatusAcknowledged, assignee: "worker-1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := queuedRecord(tc.action, tc.prev, tc.target, 1)
			// Push версии 2 пришёл, пока вызов был в полёте.
			rec.ChangeVersion = 2
			rec.Call.PrevStatus = tc.pushed
			rec.Call.PrevAssignedWorkerID = tc.assignee

			resp := domain.RemoteOrder{ID: "42", Status: tc.target, AssignedWorkerID: "worker-1", ChangeVersion: 1}
			require.Equal(t, DispositionConflict, Reconcile(&rec, Outcome{Seq: 7, Response: resp}))
			require.Equal(t, tc.pushed, rec.Status)
			require.Equal(t, tc.assignee, rec.AssignedWorkerID)
			require.Equal(t, int64(2), rec.ChangeVersion)
			require.Equal(t, domain.SyncStateSynced, rec.SyncState)
			require.True(t, rec.HasPendingChanges())
			require.Empty(t, rec.ValidateInvariants())
		})
	}
}
