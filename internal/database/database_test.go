package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"homeguard/internal/alarm"
)

func openStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

// TestStoreReturnsNewestFirst round-trips events ordered by time.
func TestStoreReturnsNewestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)
	base := time.Date(2024, 3, 4, 23, 0, 0, 0, time.UTC)

	events := []alarm.Event{
		{Type: alarm.EventArmed, Info: "source=schedule", Timestamp: base},
		{Type: alarm.EventMotion, Info: "area=6000 regions=1", Timestamp: base.Add(time.Minute)},
		{Type: alarm.EventClip, Info: "/tmp/motion_1.mjpeg", Timestamp: base.Add(2 * time.Minute)},
	}

	for _, ev := range events {
		require.NoError(t, s.Append(ctx, ev))
	}

	got, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, alarm.EventClip, got[0].Type)
	require.Equal(t, "/tmp/motion_1.mjpeg", got[0].Info)
	require.True(t, base.Add(2*time.Minute).Equal(got[0].Timestamp))
	require.Equal(t, alarm.EventMotion, got[1].Type)
	require.Greater(t, got[0].ID, got[1].ID)

	all, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

// TestStoreDeleteBefore removes only expired rows.
func TestStoreDeleteBefore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(ctx, alarm.Event{Type: alarm.EventMotion, Timestamp: base}))
	require.NoError(t, s.Append(ctx, alarm.Event{Type: alarm.EventMotion, Timestamp: base.Add(48 * time.Hour)}))

	n, err := s.DeleteBefore(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	left, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.NoError(t, s.Ping(ctx))
}

// TestStoreClosedFails wraps driver errors in ErrPersistence.
func TestStoreClosedFails(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	require.NoError(t, s.Close())

	err := s.Append(context.Background(), alarm.Event{Type: alarm.EventArmed})
	require.ErrorIs(t, err, ErrPersistence)
}

// TestParseTimestampLayouts reads timestamps written by other clients.
func TestParseTimestampLayouts(t *testing.T) {
	t.Parallel()

	want := time.Date(2024, 3, 4, 23, 0, 1, 500000000, time.UTC)

	for _, v := range []any{
		"2024-03-04 23:00:01.500000",
		[]byte("2024-03-04T23:00:01.5Z"),
		want,
	} {
		got, err := parseTimestamp(v)
		require.NoError(t, err, v)
		require.True(t, want.Equal(got), v)
	}

	_, err := parseTimestamp(3.5)
	require.Error(t, err)
}
