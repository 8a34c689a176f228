package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

func TestTimelineRepository_OrdersByOccurred(t *testing.T) {
	repo := NewTimelineRepository()
	base := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	for _, event := range []domain.TimelineEvent{
		{OrderID: "fo-1", Type: domain.EventSynced, Occurred: base.Add(2 * time.Second)},
		{OrderID: "fo-1", Type: domain.EventActionQueued, Occurred: base},
		{OrderID: "fo-1", Type: domain.EventChangePending, Occurred: base.Add(2 * time.Second)},
		{OrderID: "fo-2", Type: domain.EventPushApplied, Occurred: base},
	} {
		require.NoError(t, repo.Append(event))
	}

	got, err := repo.List("fo-1")
	require.NoError(t, err)
	types := make([]string, 0, len(got))
	for _, e := range got {
		types = append(types, e.Type)
	}
	require.Equal(t, []string{domain.EventActionQueued, domain.EventSynced, domain.EventChangePending}, types)

	got[0].Type = "mutated"
	again, err := repo.List("fo-1")
	require.NoError(t, err)
	require.Equal(t, domain.EventActionQueued, again[0].Type)

	empty, err := repo.List("fo-unknown")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestTimelineRepository_StampsZeroTime(t *testing.T) {
	repo := NewTimelineRepository()
	stamp := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return stamp }

	require.NoError(t, repo.Append(domain.TimelineEvent{OrderID: "fo-1", Type: domain.EventSynced}))
	got, err := repo.List("fo-1")
	require.NoError(t, err)
	require.Equal(t, stamp, got[0].Occurred)

	require.ErrorIs(t, repo.Append(domain.TimelineEvent{Type: domain.EventSynced}), domain.ErrOrderIDRequired)
}
