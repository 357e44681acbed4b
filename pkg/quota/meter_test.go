package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/busmap/busmapd/pkg/model"
	"github.com/busmap/busmapd/pkg/store/sqlitestore"
)

func TestRemainingEmptyLedger(t *testing.T) {
	s, err := sqlitestore.NewInMemory()
	require.NoError(t, err)
	defer s.Close()

	m := NewMeter(Config{Window: 20 * time.Second, MaxBytes: 2 << 20}, s)

	remaining, err := m.Remaining(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2<<20), remaining)
	require.NoError(t, m.Precheck(context.Background()))
}

func TestPrecheckRejectsWhenWindowFull(t *testing.T) {
	s, err := sqlitestore.NewInMemory()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	now := time.Now()

	// 20 calls of 110 KiB within the last second exceed the 2 MiB budget.
	for i := 0; i < 20; i++ {
		require.NoError(t, s.InsertAPICall(ctx, &model.APICall{
			URL:    "http://example.com",
			Size:   110 * 1024,
			Status: 200,
			Time:   now.Add(-time.Second),
		}))
	}

	m := NewMeter(Config{Window: 20 * time.Second, MaxBytes: 2 << 20}, s)
	m.SetNowFunc(func() time.Time { return now })

	remaining, err := m.Remaining(ctx)
	require.NoError(t, err)
	require.Zero(t, remaining)

	err = m.Precheck(ctx)
	require.True(t, errors.Is(err, ErrQuotaExhausted))
}

func TestSpendOutsideWindowIgnored(t *testing.T) {
	s, err := sqlitestore.NewInMemory()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.InsertAPICall(ctx, &model.APICall{
		URL:    "http://example.com",
		Size:   3 << 20,
		Status: 200,
		Time:   now.Add(-time.Minute),
	}))

	m := NewMeter(Config{Window: 20 * time.Second, MaxBytes: 2 << 20}, s)
	m.SetNowFunc(func() time.Time { return now })

	remaining, err := m.Remaining(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2<<20), remaining)
}
