// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package engine

import (
	"github.com/marketmesh/engine/pkg/api"
	"github.com/marketmesh/engine/pkg/metrics/disabled"
)

var countOfProcessedOpts = api.CounterOpts{
	Namespace:  "market",
	Subsystem:  "engine",
	Name:       "messages_processed_total",
	Help:       "Count of processed action messages by type and terminal status.",
	LabelNames: []string{"type", "status"},
}

var countOfDeferredOpts = api.CounterOpts{
	Namespace: "market",
	Subsystem: "engine",
	Name:      "messages_deferred_total",
	Help:      "Count of messages deferred to WAITING pending their prerequisites.",
}

var processingDurationOpts = api.HistogramOpts{
	Namespace: "market",
	Subsystem: "engine",
	Name:      "message_processing_seconds",
	Help:      "Time spent processing one action message.",
}

var countOfRecalculationsOpts = api.CounterOpts{
	Namespace: "market",
	Subsystem: "engine",
	Name:      "proposal_recalculations_total",
	Help:      "Count of proposal result recalculations.",
}

var countOfRemovedListingsOpts = api.CounterOpts{
	Namespace: "market",
	Subsystem: "engine",
	Name:      "listings_removed_total",
	Help:      "Count of listings removed after losing an item vote.",
}

// Metrics instruments the dispatcher and the recalculation loop.
type Metrics struct {
	CountOfProcessed       api.Counter
	CountOfDeferred        api.Counter
	ProcessingDuration     api.Histogram
	CountOfRecalculations  api.Counter
	CountOfRemovedListings api.Counter
}

// NewMetrics creates the engine instrument bundle. A nil provider yields
// no-op instruments.
func NewMetrics(p api.Provider) *Metrics {
	if p == nil {
		p = &disabled.Provider{}
	}
	return &Metrics{
		CountOfProcessed:       p.NewCounter(countOfProcessedOpts),
		CountOfDeferred:        p.NewCounter(countOfDeferredOpts),
		ProcessingDuration:     p.NewHistogram(processingDurationOpts),
		CountOfRecalculations:  p.NewCounter(countOfRecalculationsOpts),
		CountOfRemovedListings: p.NewCounter(countOfRemovedListingsOpts),
	}
}
