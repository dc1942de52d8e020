// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketmesh/engine/internal/store"
	"github.com/marketmesh/engine/pkg/api"
	"github.com/marketmesh/engine/pkg/types"
)

func openTestStore(t *testing.T) *store.Store {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestEnvelopeRedeliveryIsNoOp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	env := &types.Envelope{
		MsgID:     "msg-1",
		From:      "pSeLLeR",
		To:        "pBuYeR",
		Type:      types.ListingAdd,
		Status:    types.StatusNew,
		Direction: types.Incoming,
		Text:      "payload",
		Received:  100,
	}
	require.NoError(t, s.SaveEnvelope(ctx, env))
	require.NotZero(t, env.ID)

	_, err := s.UpdateEnvelopeStatus(ctx, "msg-1", types.StatusProcessed)
	require.NoError(t, err)

	// redelivery must not resurrect the NEW status
	dup := &types.Envelope{MsgID: "msg-1", Status: types.StatusNew, Direction: types.Incoming}
	require.NoError(t, s.SaveEnvelope(ctx, dup))
	assert.Equal(t, types.StatusProcessed, dup.Status)
	assert.Equal(t, "payload", dup.Text)
}

func TestClaimEnvelopeIsExclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	env := &types.Envelope{MsgID: "msg-1", Type: types.Bid, Status: types.StatusNew, Direction: types.Incoming}
	require.NoError(t, s.SaveEnvelope(ctx, env))

	claimed, err := s.ClaimEnvelope(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimEnvelope(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, claimed, "a second claim must lose")

	// WAITING is claimable again
	_, err = s.UpdateEnvelopeStatus(ctx, "msg-1", types.StatusWaiting)
	require.NoError(t, err)
	claimed, err = s.ClaimEnvelope(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	// terminal statuses are not
	_, err = s.UpdateEnvelopeStatus(ctx, "msg-1", types.StatusProcessed)
	require.NoError(t, err)
	claimed, err = s.ClaimEnvelope(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestSearchEnvelopesFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, env := range []*types.Envelope{
		{MsgID: "in-new", Type: types.Bid, Status: types.StatusNew, Direction: types.Incoming},
		{MsgID: "in-waiting", Type: types.EscrowLock, Status: types.StatusWaiting, Direction: types.Incoming},
		{MsgID: "out-new", Type: types.Bid, Status: types.StatusNew, Direction: types.Outgoing},
	} {
		env.Received = int64(100 + i)
		require.NoError(t, s.SaveEnvelope(ctx, env))
	}

	envs, err := s.SearchEnvelopes(ctx, api.PollFilter{Status: types.StatusNew, Direction: types.Incoming})
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "in-new", envs[0].MsgID)

	envs, err = s.SearchEnvelopes(ctx, api.PollFilter{Types: []types.ActionType{types.Bid}})
	require.NoError(t, err)
	assert.Len(t, envs, 2)

	envs, err = s.SearchEnvelopes(ctx, api.PollFilter{Direction: types.Incoming, PageLimit: 1})
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "in-waiting", envs[0].MsgID, "newest received first")
}

func seedListing(t *testing.T, s *store.Store, hash string) *types.ListingItem {
	listing, err := s.UpsertListing(context.Background(), &types.ListingItem{
		Hash:     hash,
		MsgID:    "msg-" + hash,
		Seller:   "pSeLLeR",
		Market:   "pMaRkEt",
		Title:    "thing",
		PostedAt: 100,
	})
	require.NoError(t, err)
	return listing
}

func TestBidChainLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	listing := seedListing(t, s, "listing-1")

	root, created, err := s.CreateRootBid(ctx, store.BidCreateRequest{
		Hash:        "bid-1",
		Type:        types.Bid,
		Bidder:      "pBuYeR",
		MsgID:       "msg-bid-1",
		ListingID:   listing.ID,
		GeneratedAt: 200,
	}, listing.Hash, "pBuYeR", "pSeLLeR", types.OrderReceived)
	require.NoError(t, err)
	assert.True(t, created)

	item, err := s.OrderItemByBidID(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ItemBidded, item.Status)

	order, err := s.OrderByID(ctx, item.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderReceived, order.Status)

	// replay of the root bid changes nothing
	_, created, err = s.CreateRootBid(ctx, store.BidCreateRequest{
		Hash:      "bid-1",
		Type:      types.Bid,
		ListingID: listing.ID,
	}, listing.Hash, "pBuYeR", "pSeLLeR", types.OrderReceived)
	require.NoError(t, err)
	assert.False(t, created)

	// accept advances item and order
	_, created, err = s.CreateChildBid(ctx, store.BidCreateRequest{
		Hash:        "accept-1",
		Type:        types.BidAccept,
		MsgID:       "msg-accept-1",
		ListingID:   listing.ID,
		ParentBidID: root.ID,
		GeneratedAt: 300,
	}, types.ItemAwaitingEscrow, types.OrderProcessing)
	require.NoError(t, err)
	assert.True(t, created)

	item, err = s.OrderItemByBidID(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ItemAwaitingEscrow, item.Status)

	// replay of the accept skips the status updates
	_, created, err = s.CreateChildBid(ctx, store.BidCreateRequest{
		Hash:        "accept-1",
		Type:        types.BidAccept,
		ListingID:   listing.ID,
		ParentBidID: root.ID,
	}, types.ItemAwaitingEscrow, types.OrderProcessing)
	require.NoError(t, err)
	assert.False(t, created)

	root, err = s.FindBidByHash(ctx, "bid-1")
	require.NoError(t, err)
	require.Len(t, root.ChildBids, 1)
	assert.Equal(t, types.BidAccept, root.ChildBids[0].Type)
}

func TestOffGraphTransitionRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	listing := seedListing(t, s, "listing-1")

	root, _, err := s.CreateRootBid(ctx, store.BidCreateRequest{
		Hash: "bid-1", Type: types.Bid, ListingID: listing.ID,
	}, listing.Hash, "pBuYeR", "pSeLLeR", types.OrderReceived)
	require.NoError(t, err)

	// shipping straight from BIDDED is off the graph
	_, _, err = s.CreateChildBid(ctx, store.BidCreateRequest{
		Hash: "ship-1", Type: types.OrderItemShip, ListingID: listing.ID, ParentBidID: root.ID,
	}, types.ItemShipping, "")
	require.Error(t, err)

	// the bid row must not survive the rollback
	_, err = s.FindBidByHash(ctx, "ship-1")
	assert.Equal(t, store.ErrNotFound, err)

	item, err := s.OrderItemByBidID(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ItemBidded, item.Status)
}

func seedProposal(t *testing.T, s *store.Store, hash string, target string) *types.Proposal {
	category := types.CategoryPublicVote
	if target != "" {
		category = types.CategoryItemVote
	}
	p, err := s.UpsertProposal(context.Background(), &types.Proposal{
		Hash:      hash,
		Category:  category,
		Title:     "question",
		Submitter: "pSuB",
		Target:    target,
		TimeStart: 0,
		ExpiredAt: time.Now().Add(time.Hour).UnixMilli(),
		Options: []types.ProposalOption{
			{OptionID: 0, Description: "KEEP"},
			{OptionID: 1, Description: "REMOVE"},
		},
	})
	require.NoError(t, err)
	require.Len(t, p.Options, 2)
	return p
}

func TestVoteSupersession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := seedProposal(t, s, "proposal-1", "")

	keep, err := s.OptionByProposalAndID(ctx, p.ID, 0)
	require.NoError(t, err)
	remove, err := s.OptionByProposalAndID(ctx, p.ID, 1)
	require.NoError(t, err)

	require.NoError(t, s.CastVote(ctx, &types.VoteRecord{
		ProposalID: p.ID, OptionID: keep.ID, Voter: "pVoTeR", Weight: 5, ReceivedAt: 100,
	}))
	require.NoError(t, s.CastVote(ctx, &types.VoteRecord{
		ProposalID: p.ID, OptionID: remove.ID, Voter: "pVoTeR", Weight: 7, ReceivedAt: 200,
	}))

	tally, err := s.TallyVotes(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, tally, 2)

	byOption := map[int64]types.OptionResult{}
	for _, r := range tally {
		byOption[r.OptionID] = r
	}
	assert.Zero(t, byOption[keep.ID].Weight, "the later vote supersedes the earlier one")
	assert.EqualValues(t, 7, byOption[remove.ID].Weight)
	assert.EqualValues(t, 1, byOption[remove.ID].Voters)
}

func TestResultSnapshots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := seedProposal(t, s, "proposal-1", "")

	_, err := s.LatestResult(ctx, p.ID)
	assert.Equal(t, store.ErrNotFound, err)

	tally, err := s.TallyVotes(ctx, p.ID)
	require.NoError(t, err)

	saved, err := s.SaveResult(ctx, p.ID, 1000, tally)
	require.NoError(t, err)

	latest, err := s.LatestResult(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, saved.ID, latest.ID)
	assert.EqualValues(t, 1000, latest.CalculatedAt)
	assert.Len(t, latest.Options, 2)
}

func TestListingRemoval(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	listing := seedListing(t, s, "listing-1")

	fetched, err := s.ListingByID(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, "msg-listing-1", fetched.MsgID)

	require.NoError(t, s.DeleteListing(ctx, listing.ID))
	_, err = s.ListingByHash(ctx, "listing-1")
	assert.Equal(t, store.ErrNotFound, err)
}

func TestCommentIdempotency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertComment(ctx, &types.Comment{
		Hash: "comment-1", Sender: "pSeNdEr", Target: "listing-1", Message: "hi",
		ParentHash: "comment-0", PostedAt: 100,
	})
	require.NoError(t, err)
	require.Equal(t, "comment-0", first.ParentHash)

	second, err := s.UpsertComment(ctx, &types.Comment{
		Hash: "comment-1", Sender: "pSeNdEr", Target: "listing-1", Message: "changed",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "hi", second.Message, "the stored row wins")
}
