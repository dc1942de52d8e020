// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package api

import (
	"context"
	"time"

	"github.com/marketmesh/engine/pkg/types"
)

// Logger defines the contract for logging.
type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Errorf(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Panicf(template string, args ...interface{})
}

// PollFilter selects stored envelopes, ordered by receipt time.
type PollFilter struct {
	Status    types.MessageStatus
	Types     []types.ActionType
	Direction types.Direction
	MaxAge    time.Duration
	Page      int
	PageLimit int
}

// Transport is the narrow surface of the store-and-forward secure messaging
// network. Send submits a signed, addressed message for delivery and returns
// the transport-assigned msgid. Poll retrieves locally stored envelopes
// matching the filter. UpdateStatus persists a status transition and must be
// atomic with respect to concurrent pollers.
type Transport interface {
	Send(ctx context.Context, env *types.Envelope, paid bool) (string, error)
	Poll(ctx context.Context, filter PollFilter) ([]types.Envelope, error)
	UpdateStatus(ctx context.Context, msgID string, status types.MessageStatus) (*types.Envelope, error)
}

// EscrowTxKind selects which stage of the escrow script to build.
type EscrowTxKind string

const (
	TxLock     EscrowTxKind = "lock"
	TxComplete EscrowTxKind = "complete"
	TxRelease  EscrowTxKind = "release"
	TxRefund   EscrowTxKind = "refund"
)

// TxBuilder is the opaque crypto/transaction collaborator. Messages are
// passed as their raw wire payloads; the builder owns all script and key
// handling.
type TxBuilder interface {
	BuildEscrowTx(ctx context.Context, kind EscrowTxKind, wallet string, listingMsg, bidMsg string, priorMsgs ...string) (string, error)
	BroadcastTx(ctx context.Context, rawTx string) (string, error)
}

// A Counter represents a monotonically increasing value.
type Counter interface {
	// With is used to provide label values when updating a Counter. This must be
	// used to provide values for all LabelNames provided to CounterOpts.
	With(labelValues ...string) Counter

	// Add increments a counter value.
	Add(delta float64)
}

// A Gauge is a meter that expresses the current value of some metric.
type Gauge interface {
	// With is used to provide label values when recording a Gauge value. This
	// must be used to provide values for all LabelNames provided to GaugeOpts.
	With(labelValues ...string) Gauge

	// Add increments a Gauge value.
	Add(delta float64)

	// Set is used to update the current value associated with a Gauge.
	Set(value float64)
}

// A Histogram is a meter that records an observed value into quantized
// buckets.
type Histogram interface {
	// With is used to provide label values when recording a Histogram
	// observation. This must be used to provide values for all LabelNames
	// provided to HistogramOpts.
	With(labelValues ...string) Histogram
	Observe(value float64)
}

// CounterOpts describe a Counter to a Provider.
type CounterOpts struct {
	Namespace  string
	Subsystem  string
	Name       string
	Help       string
	LabelNames []string
}

// GaugeOpts describe a Gauge to a Provider.
type GaugeOpts struct {
	Namespace  string
	Subsystem  string
	Name       string
	Help       string
	LabelNames []string
}

// HistogramOpts describe a Histogram to a Provider.
type HistogramOpts struct {
	Namespace  string
	Subsystem  string
	Name       string
	Help       string
	Buckets    []float64
	LabelNames []string
}

// Provider creates metrics instruments.
type Provider interface {
	NewCounter(opts CounterOpts) Counter
	NewGauge(opts GaugeOpts) Gauge
	NewHistogram(opts HistogramOpts) Histogram
}
