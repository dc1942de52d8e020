// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package engine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketmesh/engine/internal/engine"
	"github.com/marketmesh/engine/internal/store"
	"github.com/marketmesh/engine/internal/transport"
	"github.com/marketmesh/engine/pkg/api"
	"github.com/marketmesh/engine/pkg/message"
	"github.com/marketmesh/engine/pkg/types"
)

type fakeTxBuilder struct {
	built     []api.EscrowTxKind
	broadcast []string
}

func (f *fakeTxBuilder) BuildEscrowTx(ctx context.Context, kind api.EscrowTxKind, wallet string, listingMsg, bidMsg string, priorMsgs ...string) (string, error) {
	if listingMsg == "" || bidMsg == "" {
		return "", fmt.Errorf("missing conversation payloads")
	}
	f.built = append(f.built, kind)
	return fmt.Sprintf("rawtx-%s-%d", kind, len(f.built)), nil
}

func (f *fakeTxBuilder) BroadcastTx(ctx context.Context, rawTx string) (string, error) {
	f.broadcast = append(f.broadcast, rawTx)
	return "txid-" + rawTx, nil
}

type senderHarness struct {
	store     *store.Store
	sender    *engine.Sender
	txBuilder *fakeTxBuilder
}

func newSenderHarness(t *testing.T) *senderHarness {
	s := openTestStore(t)
	logger := testLogger(t)
	registry, err := engine.NewRegistry(logger, s)
	require.NoError(t, err)

	txBuilder := &fakeTxBuilder{}
	sender := &engine.Sender{
		Logger:    logger,
		Transport: &transport.Local{Logger: logger, Store: s},
		TxBuilder: txBuilder,
		Registry:  registry,
		Store:     s,
	}
	return &senderHarness{store: s, sender: sender, txBuilder: txBuilder}
}

func (h *senderHarness) post(t *testing.T, req engine.ActionRequest) *types.SendResult {
	result, err := h.sender.Post(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, result.MsgID)
	require.Empty(t, result.Error)
	return result
}

func (h *senderHarness) sentAction(t *testing.T, msgID string) *message.Action {
	env, err := h.store.EnvelopeByMsgID(context.Background(), msgID)
	require.NoError(t, err)
	assert.Equal(t, types.Outgoing, env.Direction)
	m, err := message.Parse(env.Text)
	require.NoError(t, err)
	require.NoError(t, message.VerifyHash(m))
	return m.Action
}

func TestPostProjectsOwnActions(t *testing.T) {
	h := newSenderHarness(t)
	ctx := context.Background()

	listingResult := h.post(t, engine.ActionRequest{
		Type:  types.ListingAdd,
		From:  "pSeLLeR",
		To:    "pMaRkEt",
		Title: "thing",
	})
	listingAction := h.sentAction(t, listingResult.MsgID)

	listing, err := h.store.ListingByHash(ctx, listingAction.Hash)
	require.NoError(t, err)
	assert.Equal(t, listingResult.MsgID, listing.MsgID)

	bidResult := h.post(t, engine.ActionRequest{
		Type: types.Bid,
		From: "pBuYeR",
		To:   "pSeLLeR",
		Item: listingAction.Hash,
	})
	bidAction := h.sentAction(t, bidResult.MsgID)
	assert.Equal(t, "pBuYeR", bidAction.Buyer)

	root, err := h.store.FindBidByHash(ctx, bidAction.Hash)
	require.NoError(t, err)
	item, err := h.store.OrderItemByBidID(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ItemBidded, item.Status)

	order, err := h.store.OrderByID(ctx, item.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderSent, order.Status, "own bids open the order as sent")
}

func TestPostEscrowChainAttachesTxIDs(t *testing.T) {
	h := newSenderHarness(t)
	ctx := context.Background()

	listingResult := h.post(t, engine.ActionRequest{
		Type: types.ListingAdd, From: "pSeLLeR", To: "pMaRkEt", Title: "thing",
	})
	listingHash := h.sentAction(t, listingResult.MsgID).Hash

	bidResult := h.post(t, engine.ActionRequest{
		Type: types.Bid, From: "pBuYeR", To: "pSeLLeR", Item: listingHash,
	})
	bidHash := h.sentAction(t, bidResult.MsgID).Hash

	h.post(t, engine.ActionRequest{
		Type: types.BidAccept, From: "pSeLLeR", To: "pBuYeR", Bid: bidHash,
	})
	assert.Empty(t, h.txBuilder.built, "accepting builds no transaction")

	lockResult := h.post(t, engine.ActionRequest{
		Type: types.EscrowLock, From: "pBuYeR", To: "pSeLLeR", Bid: bidHash, Wallet: "buyer-wallet",
	})
	require.Equal(t, []api.EscrowTxKind{api.TxLock}, h.txBuilder.built)

	lockAction := h.sentAction(t, lockResult.MsgID)
	txid, ok := lockAction.GetObject(message.KeyTxIDLock)
	require.True(t, ok, "the lock txid must ride on the message")
	assert.Contains(t, h.txBuilder.broadcast[0], "rawtx-lock")
	assert.Equal(t, "txid-"+h.txBuilder.broadcast[0], txid)

	root, err := h.store.FindBidByHash(ctx, bidHash)
	require.NoError(t, err)
	item, err := h.store.OrderItemByBidID(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ItemEscrowLocked, item.Status)

	completeResult := h.post(t, engine.ActionRequest{
		Type: types.EscrowComplete, From: "pSeLLeR", To: "pBuYeR", Bid: bidHash, Wallet: "seller-wallet",
	})
	completeAction := h.sentAction(t, completeResult.MsgID)
	_, ok = completeAction.GetObject(message.KeyTxIDComplete)
	assert.True(t, ok)
	assert.Equal(t, []api.EscrowTxKind{api.TxLock, api.TxComplete}, h.txBuilder.built)
}

func TestPostRefusesInvalidActions(t *testing.T) {
	h := newSenderHarness(t)

	_, err := h.sender.Post(context.Background(), engine.ActionRequest{
		Type: types.Vote,
		From: "pVoTeR",
		To:   "pMaRkEt",
		// no proposal hash
	})
	require.Error(t, err)
	assert.True(t, message.IsValidationFailure(err))

	envs, err := h.store.SearchEnvelopes(context.Background(), api.PollFilter{Direction: types.Outgoing})
	require.NoError(t, err)
	assert.Empty(t, envs, "nothing may reach the wire")
}

func TestPostStampsExpiration(t *testing.T) {
	h := newSenderHarness(t)
	now := time.Now()
	h.sender.Now = func() time.Time { return now }

	result := h.post(t, engine.ActionRequest{
		Type:      types.CommentAdd,
		From:      "pSeNdEr",
		To:        "pMaRkEt",
		Target:    "listing-1",
		Message:   "hi",
		Retention: 48 * time.Hour,
	})

	env, err := h.store.EnvelopeByMsgID(context.Background(), result.MsgID)
	require.NoError(t, err)
	assert.Equal(t, now.UnixMilli(), env.Sent)
	assert.Equal(t, now.Add(48*time.Hour).UnixMilli(), env.Expiration)
	assert.False(t, env.Expired(now))
}
