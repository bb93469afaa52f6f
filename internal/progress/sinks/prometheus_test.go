package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{RunID: "r1", TS: now, Stage: progress.StageRunStart},
		{RunID: "r1", TS: now, Stage: progress.StageDiscovered, Count: 3},
		{RunID: "r1", TS: now, Stage: progress.StageCodeDone, Item: "10", Dur: 2 * time.Second},
		{RunID: "r1", TS: now, Stage: progress.StageFileSaved, Item: "f1", Bytes: 1024},
		{RunID: "r1", TS: now, Stage: progress.StageNameError, Item: "Widget", Dur: time.Second},
		{RunID: "r1", TS: now, Stage: progress.StageRunDone, Dur: time.Minute},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.events.WithLabelValues("RUN_START")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.events.WithLabelValues("NAME_ERROR")), 1e-9)
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.storedBytes), 1e-9)
	require.InDelta(t, 3.0, testutil.ToFloat64(sink.discovered), 1e-9)
	require.Equal(t, 2, testutil.CollectAndCount(sink.itemSeconds, "catalog_progress_item_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runSeconds, "catalog_progress_run_duration_seconds"))
	require.InDelta(t, float64(now.UnixNano())/1e9, testutil.ToFloat64(sink.lastEvent), 1e-3)
	require.NoError(t, sink.Close(context.Background()))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
