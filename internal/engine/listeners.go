// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package engine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/marketmesh/engine/internal/store"
	"github.com/marketmesh/engine/pkg/api"
	"github.com/marketmesh/engine/pkg/message"
	"github.com/marketmesh/engine/pkg/types"
)

// chainTransitions maps each bid-chain action to the OrderItem and Order
// statuses it sets once its bid row is created. An empty order status
// leaves the order alone.
var chainTransitions = map[types.ActionType]struct {
	Item  types.OrderItemStatus
	Order types.OrderStatus
}{
	types.BidAccept:      {Item: types.ItemAwaitingEscrow, Order: types.OrderProcessing},
	types.EscrowLock:     {Item: types.ItemEscrowLocked, Order: types.OrderProcessing},
	types.EscrowComplete: {Item: types.ItemEscrowCompleted, Order: types.OrderProcessing},
	types.OrderItemShip:  {Item: types.ItemShipping, Order: types.OrderProcessing},
	types.EscrowRelease:  {Item: types.ItemComplete, Order: types.OrderComplete},
	types.EscrowRefund:   {Item: types.ItemEscrowRefunded, Order: types.OrderRefunded},
	types.BidReject:      {Item: types.ItemRejected},
	types.BidCancel:      {Item: types.ItemCancelled},
}

// Listeners apply validated, causally ready inbound messages to the local
// projection. Every application is idempotent: redelivery of the same
// message converges to the same state.
type Listeners struct {
	Logger api.Logger
	Store  *store.Store
}

// ApplyListingAdd projects a published listing.
func (l *Listeners) ApplyListingAdd(ctx context.Context, env *types.Envelope, m *message.Message) error {
	_, err := l.Store.UpsertListing(ctx, &types.ListingItem{
		Hash:     m.Action.Hash,
		MsgID:    env.MsgID,
		Seller:   m.Action.Seller,
		Market:   env.To,
		Title:    m.Action.Title,
		PostedAt: env.Sent,
	})
	if err != nil {
		return err
	}
	l.Logger.Debugf("Projected listing %s from %s", m.Action.Hash, env.From)
	return nil
}

// ApplyBid starts a new bid chain: root bid, order and order item in one
// unit. The listing must already exist locally.
func (l *Listeners) ApplyBid(ctx context.Context, env *types.Envelope, m *message.Message) error {
	listing, err := l.Store.ListingByHash(ctx, m.Action.Item)
	if err != nil {
		return errors.Wrapf(err, "listing %s for bid %s", m.Action.Item, m.Action.Hash)
	}

	orderStatus := types.OrderSent
	if env.Direction == types.Incoming {
		orderStatus = types.OrderReceived
	}

	req := store.BidCreateRequest{
		Hash:        m.Action.Hash,
		Type:        types.Bid,
		Bidder:      env.To,
		MsgID:       env.MsgID,
		ListingID:   listing.ID,
		GeneratedAt: m.Action.Generated,
	}
	_, created, err := l.Store.CreateRootBid(ctx, req, m.Action.Item, m.Action.Buyer, listing.Seller, orderStatus)
	if err != nil {
		return err
	}
	if !created {
		l.Logger.Debugf("Bid %s already projected, skipping", m.Action.Hash)
	}
	return nil
}

// chainApplier returns the applier of a bid-chain action: create the child
// bid under the referenced root and advance the order statuses, as one unit.
func (l *Listeners) chainApplier(t types.ActionType) func(ctx context.Context, env *types.Envelope, m *message.Message) error {
	transition, ok := chainTransitions[t]
	if !ok {
		panic("no chain transition for " + string(t))
	}
	return func(ctx context.Context, env *types.Envelope, m *message.Message) error {
		parent, err := l.Store.FindBidByHash(ctx, m.Action.Bid)
		if err != nil {
			return errors.Wrapf(err, "parent bid %s for %s", m.Action.Bid, t)
		}

		generated := m.Action.Generated
		if generated == 0 {
			generated = env.Sent
		}
		req := store.BidCreateRequest{
			Hash:        m.Action.Hash,
			Type:        t,
			Bidder:      env.To,
			MsgID:       env.MsgID,
			ListingID:   parent.ListingID,
			ParentBidID: parent.ID,
			GeneratedAt: generated,
		}
		_, created, err := l.Store.CreateChildBid(ctx, req, transition.Item, transition.Order)
		if err != nil {
			return err
		}
		if created {
			l.Logger.Debugf("Applied %s on chain %s, order item -> %s", t, m.Action.Bid, transition.Item)
		}
		return nil
	}
}

// ApplyProposalAdd projects a governance proposal with its options.
func (l *Listeners) ApplyProposalAdd(ctx context.Context, env *types.Envelope, m *message.Message) error {
	options := make([]types.ProposalOption, 0, len(m.Action.Options))
	for _, opt := range m.Action.Options {
		options = append(options, types.ProposalOption{
			OptionID:    opt.OptionID,
			Description: opt.Description,
			Hash:        opt.Hash,
		})
	}

	timeStart := m.Action.Generated
	if timeStart == 0 {
		timeStart = env.Sent
	}
	_, err := l.Store.UpsertProposal(ctx, &types.Proposal{
		Hash:        m.Action.Hash,
		Category:    m.Action.Category,
		Title:       m.Action.Title,
		Description: m.Action.Description,
		Submitter:   m.Action.Submitter,
		Target:      m.Action.Target,
		TimeStart:   timeStart,
		PostedAt:    env.Sent,
		ReceivedAt:  env.Received,
		ExpiredAt:   env.Expiration,
		Options:     options,
	})
	return err
}

// ApplyVote records the voter's current choice; a later vote supersedes an
// earlier one.
func (l *Listeners) ApplyVote(ctx context.Context, env *types.Envelope, m *message.Message) error {
	proposal, err := l.Store.ProposalByHash(ctx, m.Action.ProposalHash)
	if err != nil {
		return errors.Wrapf(err, "proposal %s for vote", m.Action.ProposalHash)
	}
	option, err := l.Store.OptionByProposalAndID(ctx, proposal.ID, m.Action.VoteOptionID)
	if err != nil {
		return errors.Wrapf(err, "option %d of proposal %s", m.Action.VoteOptionID, proposal.Hash)
	}

	weight := m.Action.Weight
	if weight == 0 {
		weight = 1
	}
	return l.Store.CastVote(ctx, &types.VoteRecord{
		ProposalID: proposal.ID,
		OptionID:   option.ID,
		Voter:      m.Action.Voter,
		Weight:     weight,
		ReceivedAt: env.Received,
	})
}

// ApplyComment projects a comment. Target existence is not checked.
func (l *Listeners) ApplyComment(ctx context.Context, env *types.Envelope, m *message.Message) error {
	_, err := l.Store.UpsertComment(ctx, &types.Comment{
		Hash:        m.Action.Hash,
		Sender:      m.Action.Sender,
		Target:      m.Action.Target,
		CommentType: m.Action.CommentType,
		Message:     m.Action.Message,
		ParentHash:  m.Action.ParentHash,
		PostedAt:    env.Sent,
	})
	return err
}
