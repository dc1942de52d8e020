/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package prometheus_test

import (
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketmesh/engine/pkg/api"
	"github.com/marketmesh/engine/pkg/metrics/prometheus"
)

func gatherValue(t *testing.T, registry *prom.Registry, name string, labels map[string]string) float64 {
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metric:
		for _, m := range family.GetMetric() {
			seen := map[string]string{}
			for _, pair := range m.GetLabel() {
				seen[pair.GetName()] = pair.GetValue()
			}
			for k, v := range labels {
				if seen[k] != v {
					continue metric
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestCounterLabels(t *testing.T) {
	registry := prom.NewRegistry()
	provider := prometheus.NewProvider(registry)

	counter := provider.NewCounter(api.CounterOpts{
		Namespace:  "market",
		Subsystem:  "engine",
		Name:       "messages_processed",
		Help:       "Messages processed.",
		LabelNames: []string{"type", "status"},
	})
	counter.With("type", "MPA_BID", "status", "PROCESSED").Add(1)
	counter.With("type", "MPA_BID", "status", "PROCESSED").Add(1)
	counter.With("type", "MPA_BID").With("status", "WAITING").Add(1)

	assert.EqualValues(t, 2, gatherValue(t, registry, "market_engine_messages_processed",
		map[string]string{"type": "MPA_BID", "status": "PROCESSED"}))
	assert.EqualValues(t, 1, gatherValue(t, registry, "market_engine_messages_processed",
		map[string]string{"type": "MPA_BID", "status": "WAITING"}),
		"chained With calls merge their labels")
}

func TestGaugeSetAndAdd(t *testing.T) {
	registry := prom.NewRegistry()
	provider := prometheus.NewProvider(registry)

	gauge := provider.NewGauge(api.GaugeOpts{
		Namespace: "market",
		Subsystem: "engine",
		Name:      "waiting_messages",
		Help:      "Deferred messages.",
	})
	gauge.Set(5)
	gauge.Add(-2)

	assert.EqualValues(t, 3, gatherValue(t, registry, "market_engine_waiting_messages", nil))
}

func TestHistogramObserves(t *testing.T) {
	registry := prom.NewRegistry()
	provider := prometheus.NewProvider(registry)

	histogram := provider.NewHistogram(api.HistogramOpts{
		Namespace: "market",
		Subsystem: "engine",
		Name:      "processing_seconds",
		Help:      "Processing latency.",
	})
	histogram.Observe(0.5)
	histogram.Observe(1.5)

	families, err := registry.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	metric := families[0].GetMetric()[0].GetHistogram()
	assert.EqualValues(t, 2, metric.GetSampleCount())
	assert.EqualValues(t, 2.0, metric.GetSampleSum())
}
