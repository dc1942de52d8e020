// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/marketmesh/engine/internal/store"
	"github.com/marketmesh/engine/pkg/api"
	"github.com/marketmesh/engine/pkg/message"
	"github.com/marketmesh/engine/pkg/types"
)

// defaultRetention is how long a posted message is kept by the network
// before it expires.
const defaultRetention = 7 * 24 * time.Hour

// paidFeePerKB is the network fee rate charged per started kilobyte of a
// paid message.
const paidFeePerKB = 0.001

// ActionRequest describes one outbound protocol action. From is the local
// identity address, To the counterparty. Only the fields relevant to Type
// are consulted.
type ActionRequest struct {
	Type      types.ActionType
	From      string
	To        string
	Wallet    string
	Retention time.Duration

	// listing and bid chain
	Item string // listing hash to bid on
	Bid  string // root bid hash to extend
	Memo string

	// governance
	Title        string
	Description  string
	Category     types.ProposalCategory
	Target       string
	Options      []string
	ProposalHash string
	VoteOptionID int
	Weight       int64

	// comments
	CommentType string
	Message     string
	ParentHash  string
}

// escrowStages maps an outbound bid-chain action to the escrow transaction
// it must build and broadcast before posting, and the side-channel key the
// resulting txid travels under.
var escrowStages = map[types.ActionType]struct {
	Kind api.EscrowTxKind
	Key  string
}{
	types.EscrowLock:     {Kind: api.TxLock, Key: message.KeyTxIDLock},
	types.EscrowComplete: {Kind: api.TxComplete, Key: message.KeyTxIDComplete},
	types.EscrowRelease:  {Kind: api.TxRelease, Key: message.KeyTxIDRelease},
	types.EscrowRefund:   {Kind: api.TxRefund, Key: message.KeyTxIDRefund},
}

// Sender drives the outbound pipeline: build the action, validate it
// locally with the same validator that guards the inbound path, run the
// pre-send side effects, submit it to the transport and project the local
// side of the action.
type Sender struct {
	Logger    api.Logger
	Transport api.Transport
	TxBuilder api.TxBuilder
	Registry  *Registry
	Store     *store.Store
	Config    types.Configuration

	// Now defaults to time.Now.
	Now func() time.Time
}

// Post sends one action. The local projection is updated through the same
// handler that would apply the action had it arrived from the network, so
// both sides of a conversation converge on identical state.
func (s *Sender) Post(ctx context.Context, req ActionRequest) (*types.SendResult, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	action, err := s.createAction(req, now())
	if err != nil {
		return nil, err
	}
	m := message.New(action)

	handler, err := s.Registry.Resolve(req.Type)
	if err != nil {
		return nil, err
	}
	if err := handler.Validate(m); err != nil {
		return nil, errors.Wrapf(err, "refusing to post %s", req.Type)
	}

	if _, err := s.beforePost(ctx, req, m); err != nil {
		return nil, errors.Wrapf(err, "pre-send of %s failed", req.Type)
	}

	retention := req.Retention
	if retention == 0 {
		retention = defaultRetention
	}
	sent := now().UnixMilli()
	env := &types.Envelope{
		From:       req.From,
		To:         req.To,
		Type:       req.Type,
		Status:     types.StatusProcessed,
		Direction:  types.Outgoing,
		Text:       string(m.Bytes()),
		Sent:       sent,
		Expiration: sent + retention.Milliseconds(),
	}
	msgID, err := s.Transport.Send(ctx, env, s.Config.PaidMessages)
	if err != nil {
		return nil, errors.Wrapf(err, "sending %s", req.Type)
	}
	env.MsgID = msgID
	s.Logger.Infof("Posted %s %s as message %s", req.Type, m.Action.Hash, msgID)

	result := &types.SendResult{MsgID: msgID}
	if s.Config.PaidMessages {
		result.Fee = float64((len(env.Text)+1023)/1024) * paidFeePerKB
	}
	if err := handler.Apply(ctx, env, m); err != nil {
		// the message is on the wire; the local projection lags until
		// a later replay catches up
		s.Logger.Errorf("Projecting own %s failed: %v", req.Type, err)
		result.Error = err.Error()
	}
	return result, nil
}

// createAction builds the typed payload of the request.
func (s *Sender) createAction(req ActionRequest, now time.Time) (*message.Action, error) {
	action := &message.Action{
		Type:      req.Type,
		Generated: now.UnixMilli(),
	}
	switch req.Type {
	case types.ListingAdd:
		action.Seller = req.From
		action.Title = req.Title
		action.Description = req.Description
	case types.Bid:
		action.Item = req.Item
		action.Buyer = req.From
	case types.BidAccept, types.BidReject, types.BidCancel,
		types.EscrowLock, types.EscrowComplete, types.EscrowRelease, types.EscrowRefund,
		types.OrderItemShip:
		action.Bid = req.Bid
		action.Memo = req.Memo
	case types.ProposalAdd:
		action.Title = req.Title
		action.Description = req.Description
		action.Category = req.Category
		action.Target = req.Target
		action.Submitter = req.From
		for i, desc := range req.Options {
			action.Options = append(action.Options, message.Option{
				OptionID:    i,
				Description: desc,
			})
		}
	case types.Vote:
		action.ProposalHash = req.ProposalHash
		action.VoteOptionID = req.VoteOptionID
		action.Voter = req.From
		action.Weight = req.Weight
	case types.CommentAdd:
		action.Sender = req.From
		action.Target = req.Target
		action.CommentType = req.CommentType
		action.Message = req.Message
		action.ParentHash = req.ParentHash
	default:
		return nil, &message.NotImplementedError{Type: req.Type}
	}
	return action, nil
}

// beforePost runs the pre-send side effects of the action. For escrow stage
// actions it rebuilds the conversation from the stored raw payloads, hands
// it to the transaction builder, broadcasts the result and attaches the
// txid to the payload's side channel. The txid rides outside the content
// hash, so attaching it here does not invalidate the already stamped hash.
func (s *Sender) beforePost(ctx context.Context, req ActionRequest, m *message.Message) (string, error) {
	stage, ok := escrowStages[m.Action.Type]
	if !ok {
		return "", nil
	}

	root, err := s.Store.FindBidByHash(ctx, m.Action.Bid)
	if err != nil {
		return "", errors.Wrapf(err, "bid %s", m.Action.Bid)
	}
	bidEnv, err := s.Store.EnvelopeByMsgID(ctx, root.MsgID)
	if err != nil {
		return "", errors.Wrapf(err, "bid message %s", root.MsgID)
	}
	listing, err := s.Store.ListingByID(ctx, root.ListingID)
	if err != nil {
		return "", errors.Wrapf(err, "listing of bid %s", m.Action.Bid)
	}
	listingEnv, err := s.Store.EnvelopeByMsgID(ctx, listing.MsgID)
	if err != nil {
		return "", errors.Wrapf(err, "listing message %s", listing.MsgID)
	}

	// earlier escrow stages, in conversation order
	var prior []string
	for _, t := range []types.ActionType{types.BidAccept, types.EscrowLock, types.EscrowComplete} {
		child := root.ChildOfType(t)
		if child == nil {
			continue
		}
		env, err := s.Store.EnvelopeByMsgID(ctx, child.MsgID)
		if err != nil {
			return "", errors.Wrapf(err, "%s message %s", t, child.MsgID)
		}
		prior = append(prior, env.Text)
	}

	rawTx, err := s.TxBuilder.BuildEscrowTx(ctx, stage.Kind, req.Wallet, listingEnv.Text, bidEnv.Text, prior...)
	if err != nil {
		return "", errors.Wrapf(err, "building %s tx", stage.Kind)
	}
	txid, err := s.TxBuilder.BroadcastTx(ctx, rawTx)
	if err != nil {
		return "", errors.Wrapf(err, "broadcasting %s tx", stage.Kind)
	}

	m.Action.PutObject(stage.Key, txid)
	s.Logger.Debugf("Broadcast %s tx %s for bid %s", stage.Kind, txid, m.Action.Bid)
	return txid, nil
}
