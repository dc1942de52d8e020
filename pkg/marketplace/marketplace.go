// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package marketplace assembles the message processing engine: the envelope
// store, the local transport surface, the per-action handler registry, the
// dispatch loop replaying inbound messages and the proposal recalculator.
package marketplace

import (
	"context"
	"io"
	"time"

	"github.com/marketmesh/engine/internal/engine"
	"github.com/marketmesh/engine/internal/replay"
	"github.com/marketmesh/engine/internal/store"
	"github.com/marketmesh/engine/internal/transport"
	"github.com/marketmesh/engine/pkg/api"
	"github.com/marketmesh/engine/pkg/types"
)

// Node is one marketplace participant. Fill the exported fields, then call
// Start; the zero value of Config is replaced by defaults.
type Node struct {
	Logger          api.Logger
	Config          types.Configuration
	MetricsProvider api.Provider
	TxBuilder       api.TxBuilder

	// DBPath locates the SQLite database; ":memory:" keeps it in memory.
	DBPath string

	// OnSend, when set, is handed a copy of every sent envelope, e.g. to
	// loop it back into another node's Receive.
	OnSend func(env types.Envelope)

	// RecordTo, when set, receives every inbound envelope as a replayable
	// stream.
	RecordTo io.Writer

	db           *store.Store
	transport    *transport.Local
	sender       *engine.Sender
	dispatcher   *engine.Dispatcher
	recalculator *engine.Recalculator
	pollTicker   *time.Ticker
	recalcTicker *time.Ticker
}

// Start opens the store and launches the processing loops.
func (n *Node) Start() error {
	n.Config = n.Config.WithDefaults()

	db, err := store.Open(n.DBPath)
	if err != nil {
		return err
	}
	n.db = db

	registry, err := engine.NewRegistry(n.Logger, db)
	if err != nil {
		db.Close()
		return err
	}

	n.transport = &transport.Local{Logger: n.Logger, Store: db, OnSend: n.OnSend}
	metrics := engine.NewMetrics(n.MetricsProvider)

	n.pollTicker = time.NewTicker(n.Config.PollInterval)
	n.dispatcher = &engine.Dispatcher{
		Logger:    n.Logger,
		Transport: n.transport,
		Registry:  registry,
		Config:    n.Config,
		Metrics:   metrics,
		TickChan:  n.pollTicker.C,
	}
	n.transport.OnReceive = n.dispatcher.Deliver
	if n.RecordTo != nil {
		recorder := &replay.Recorder{Out: n.RecordTo}
		n.transport.OnReceive = func(env *types.Envelope) {
			if err := recorder.Record(env); err != nil {
				n.Logger.Warnf("Recording %s failed: %v", env.MsgID, err)
			}
			n.dispatcher.Deliver(env)
		}
	}

	n.recalcTicker = time.NewTicker(n.Config.RecalcInterval)
	n.recalculator = &engine.Recalculator{
		Logger:   n.Logger,
		Store:    db,
		Config:   n.Config,
		Metrics:  metrics,
		TickChan: n.recalcTicker.C,
	}

	n.sender = &engine.Sender{
		Logger:    n.Logger,
		Transport: n.transport,
		TxBuilder: n.TxBuilder,
		Registry:  registry,
		Store:     db,
		Config:    n.Config,
	}

	n.dispatcher.Start()
	n.recalculator.Start()
	n.Logger.Infof("Marketplace node started, polling every %v", n.Config.PollInterval)
	return nil
}

// Stop terminates the loops and closes the store.
func (n *Node) Stop() error {
	n.pollTicker.Stop()
	n.recalcTicker.Stop()
	n.dispatcher.Stop()
	n.recalculator.Stop()
	return n.db.Close()
}

// Receive hands a delivered envelope to the node. Processing is
// asynchronous; the envelope lands in the store as NEW and the dispatcher
// picks it up.
func (n *Node) Receive(ctx context.Context, env *types.Envelope) error {
	return n.transport.Receive(ctx, env)
}

// Post sends an outbound protocol action on behalf of the local identity.
func (n *Node) Post(ctx context.Context, req engine.ActionRequest) (*types.SendResult, error) {
	return n.sender.Post(ctx, req)
}

// Replay feeds a recorded envelope stream back into the node and returns
// how many envelopes were delivered. Previously processed messages are
// deduplicated by the store, so replaying a recording is idempotent.
func (n *Node) Replay(ctx context.Context, in io.Reader) (int, error) {
	return replay.Replay(ctx, in, n.transport.Receive)
}

// Store exposes the local projection for queries.
func (n *Node) Store() *store.Store {
	return n.db
}
