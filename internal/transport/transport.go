// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package transport provides a store-backed implementation of the messaging
// surface the engine polls. Delivery between nodes is out of scope here; a
// real network sits behind the same interface, this implementation keeps
// every envelope in the local store and hands copies to optional hooks.
package transport

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/marketmesh/engine/internal/store"
	"github.com/marketmesh/engine/pkg/api"
	"github.com/marketmesh/engine/pkg/types"
)

// Local is a Transport over the local envelope store.
type Local struct {
	Logger api.Logger
	Store  *store.Store

	// OnSend, when set, is handed a copy of every sent envelope, e.g. to
	// loop it back into a peer's Receive.
	OnSend func(env types.Envelope)
	// OnReceive, when set, is notified of every newly recorded inbound
	// envelope, e.g. to push it into a dispatcher.
	OnReceive func(env *types.Envelope)

	// Now defaults to time.Now.
	Now func() time.Time
}

func (t *Local) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Send assigns a transport id, records the outbound envelope and hands it
// to the send hook.
func (t *Local) Send(ctx context.Context, env *types.Envelope, paid bool) (string, error) {
	env.MsgID = uuid.New().String()
	if env.Sent == 0 {
		env.Sent = t.now().UnixMilli()
	}
	if err := t.Store.SaveEnvelope(ctx, env); err != nil {
		return "", errors.Wrapf(err, "sending %s", env.MsgID)
	}
	t.Logger.Debugf("Sent %s message %s to %s (%d bytes, paid=%t)",
		env.Type, env.MsgID, env.To, len(env.Text), paid)
	if t.OnSend != nil {
		t.OnSend(*env)
	}
	return env.MsgID, nil
}

// Receive records a delivered envelope as NEW and notifies the receive
// hook. Redelivery of a known msgid is a no-op.
func (t *Local) Receive(ctx context.Context, env *types.Envelope) error {
	env.Direction = types.Incoming
	env.Status = types.StatusNew
	if env.Received == 0 {
		env.Received = t.now().UnixMilli()
	}
	if err := t.Store.SaveEnvelope(ctx, env); err != nil {
		return errors.Wrapf(err, "receiving %s", env.MsgID)
	}
	if env.Status.Terminal() {
		// a redelivery of a message that already ran its course
		return nil
	}
	if t.OnReceive != nil {
		t.OnReceive(env)
	}
	return nil
}

// Poll returns stored envelopes matching the filter.
func (t *Local) Poll(ctx context.Context, filter api.PollFilter) ([]types.Envelope, error) {
	return t.Store.SearchEnvelopes(ctx, filter)
}

// UpdateStatus persists a status transition.
func (t *Local) UpdateStatus(ctx context.Context, msgID string, status types.MessageStatus) (*types.Envelope, error) {
	return t.Store.UpdateEnvelopeStatus(ctx, msgID, status)
}

// Claim marks an envelope PROCESSING if no other cycle got there first.
func (t *Local) Claim(ctx context.Context, msgID string) (bool, error) {
	return t.Store.ClaimEnvelope(ctx, msgID)
}
