// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package engine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/marketmesh/engine/internal/store"
	"github.com/marketmesh/engine/pkg/message"
	"github.com/marketmesh/engine/pkg/types"
)

// SequenceChecker decides whether a structurally valid message is causally
// ready to apply, i.e. whether its prerequisite state exists in the local
// projection. Not-ready is a deferral signal, never an error.
type SequenceChecker struct {
	Store *store.Store
}

// Check returns true when the message's prerequisites exist locally.
func (sc *SequenceChecker) Check(ctx context.Context, m *message.Message) (bool, error) {
	switch m.Action.Type {
	case types.ListingAdd, types.ProposalAdd, types.Bid:
		// no prerequisite
		return true, nil

	case types.BidAccept, types.BidReject, types.BidCancel:
		// the root MPA_BID must exist
		_, err := sc.rootBid(ctx, m)
		return found(err)

	case types.EscrowLock:
		return sc.rootWithChild(ctx, m, types.BidAccept)

	case types.EscrowComplete, types.EscrowRefund:
		return sc.rootWithChild(ctx, m, types.EscrowLock)

	case types.OrderItemShip:
		// MPA_COMPLETE must exist and the order item must have reached
		// ESCROW_COMPLETED, so a shipping notice cannot race completion
		root, err := sc.rootBid(ctx, m)
		if err != nil {
			return found(err)
		}
		if root.ChildOfType(types.EscrowComplete) == nil {
			return false, nil
		}
		item, err := sc.Store.OrderItemByBidID(ctx, root.ID)
		if err != nil {
			return found(err)
		}
		return item.Status == types.ItemEscrowCompleted, nil

	case types.EscrowRelease:
		// both MPA_COMPLETE and MPA_SHIP must exist
		root, err := sc.rootBid(ctx, m)
		if err != nil {
			return found(err)
		}
		return root.ChildOfType(types.EscrowComplete) != nil &&
			root.ChildOfType(types.OrderItemShip) != nil, nil

	case types.Vote:
		_, err := sc.Store.ProposalByHash(ctx, m.Action.ProposalHash)
		return found(err)

	case types.CommentAdd:
		// target existence is not enforced, matching the live protocol
		return true, nil

	default:
		return false, &message.NotImplementedError{Type: m.Action.Type}
	}
}

func (sc *SequenceChecker) rootBid(ctx context.Context, m *message.Message) (*types.BidRecord, error) {
	return sc.Store.FindBidByHash(ctx, m.Action.Bid)
}

func (sc *SequenceChecker) rootWithChild(ctx context.Context, m *message.Message, childType types.ActionType) (bool, error) {
	root, err := sc.rootBid(ctx, m)
	if err != nil {
		return found(err)
	}
	return root.ChildOfType(childType) != nil, nil
}

// found maps a lookup outcome to a readiness verdict: a missing row means
// "not yet", any other failure propagates.
func found(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return false, err
}
