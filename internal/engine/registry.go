// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package engine

import (
	"context"

	"github.com/marketmesh/engine/internal/store"
	"github.com/marketmesh/engine/pkg/api"
	"github.com/marketmesh/engine/pkg/message"
	"github.com/marketmesh/engine/pkg/types"
)

// Handler bundles the behaviors of one action type. All handlers are
// resolved once at startup; a missing registration is a startup defect, not
// a per-message surprise.
type Handler struct {
	Type          types.ActionType
	Validate      message.Validator
	CheckSequence func(ctx context.Context, m *message.Message) (bool, error)
	Apply         func(ctx context.Context, env *types.Envelope, m *message.Message) error
}

// Registry maps action types to their handlers.
type Registry struct {
	handlers map[types.ActionType]*Handler
}

// Resolve returns the handler of an action type. An unknown type is a
// *message.NotImplementedError and indicates a missing registration.
func (r *Registry) Resolve(t types.ActionType) (*Handler, error) {
	h, ok := r.handlers[t]
	if !ok {
		return nil, &message.NotImplementedError{Type: t}
	}
	return h, nil
}

// Types returns the registered action types.
func (r *Registry) Types() []types.ActionType {
	out := make([]types.ActionType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// NewRegistry wires a handler for every protocol action type: the matching
// structural validator, the shared sequence checker, and the per-type
// listener. It fails when any type lacks a validator.
func NewRegistry(logger api.Logger, s *store.Store) (*Registry, error) {
	sequence := &SequenceChecker{Store: s}
	listeners := &Listeners{Logger: logger, Store: s}

	applied := map[types.ActionType]func(ctx context.Context, env *types.Envelope, m *message.Message) error{
		types.ListingAdd:     listeners.ApplyListingAdd,
		types.Bid:            listeners.ApplyBid,
		types.BidAccept:      listeners.chainApplier(types.BidAccept),
		types.BidReject:      listeners.chainApplier(types.BidReject),
		types.BidCancel:      listeners.chainApplier(types.BidCancel),
		types.EscrowLock:     listeners.chainApplier(types.EscrowLock),
		types.EscrowComplete: listeners.chainApplier(types.EscrowComplete),
		types.EscrowRelease:  listeners.chainApplier(types.EscrowRelease),
		types.EscrowRefund:   listeners.chainApplier(types.EscrowRefund),
		types.OrderItemShip:  listeners.chainApplier(types.OrderItemShip),
		types.ProposalAdd:    listeners.ApplyProposalAdd,
		types.Vote:           listeners.ApplyVote,
		types.CommentAdd:     listeners.ApplyComment,
	}

	r := &Registry{handlers: make(map[types.ActionType]*Handler, len(applied))}
	for t, apply := range applied {
		validate, err := message.ValidatorFor(t)
		if err != nil {
			return nil, err
		}
		r.handlers[t] = &Handler{
			Type:          t,
			Validate:      validate,
			CheckSequence: sequence.Check,
			Apply:         apply,
		}
	}
	return r, nil
}
