// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/marketmesh/engine/internal/store"
	"github.com/marketmesh/engine/pkg/api"
	"github.com/marketmesh/engine/pkg/types"
)

// OptionRemove is the option description that, when its share of the vote
// weight on an ITEM_VOTE proposal crosses the configured threshold, flags
// the targeted listing for local removal.
const OptionRemove = "REMOVE"

// Recalculator periodically retallies active proposals and enforces the
// outcome of item votes. A failure on one proposal never blocks the rest of
// the cycle.
type Recalculator struct {
	Logger   api.Logger
	Store    *store.Store
	Config   types.Configuration
	Metrics  *Metrics
	TickChan <-chan time.Time

	// Now is the clock of the staleness and voting-window checks; defaults
	// to time.Now.
	Now func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
	running  sync.WaitGroup
}

// Start launches the recalculation loop.
func (r *Recalculator) Start() {
	r.Config = r.Config.WithDefaults()
	if r.Now == nil {
		r.Now = time.Now
	}
	if r.Metrics == nil {
		r.Metrics = NewMetrics(nil)
	}
	r.stopChan = make(chan struct{})
	r.stopOnce = sync.Once{}

	r.running.Add(1)
	go func() {
		defer r.running.Done()
		r.run()
	}()
}

// Stop terminates the recalculation loop and waits for it to drain.
func (r *Recalculator) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
	r.running.Wait()
}

func (r *Recalculator) run() {
	defer r.Logger.Infof("Recalculator exiting")

	ctx := context.Background()
	for {
		select {
		case <-r.stopChan:
			return
		case <-r.TickChan:
			r.RecalculateAll(ctx)
		}
	}
}

// RecalculateAll runs one recalculation cycle over every active proposal.
func (r *Recalculator) RecalculateAll(ctx context.Context) {
	now := r.Now()
	proposals, err := r.Store.ActiveProposals(ctx, now)
	if err != nil {
		r.Logger.Errorf("Listing active proposals failed: %v", err)
		return
	}
	for i := range proposals {
		if err := r.recalculate(ctx, &proposals[i], now); err != nil {
			r.Logger.Errorf("Recalculating proposal %s failed: %v", proposals[i].Hash, err)
		}
	}
}

// recalculate retallies one proposal unless its latest snapshot is still
// fresh, then enforces the item-vote outcome on the new snapshot.
func (r *Recalculator) recalculate(ctx context.Context, p *types.Proposal, now time.Time) error {
	latest, err := r.Store.LatestResult(ctx, p.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if latest != nil && now.UnixMilli()-latest.CalculatedAt < r.Config.RecalcStaleness.Milliseconds() {
		return nil
	}

	tally, err := r.Store.TallyVotes(ctx, p.ID)
	if err != nil {
		return err
	}
	result, err := r.Store.SaveResult(ctx, p.ID, now.UnixMilli(), tally)
	if err != nil {
		return err
	}
	r.Metrics.CountOfRecalculations.Add(1)
	r.Logger.Debugf("Recalculated proposal %s over %d options", p.Hash, len(result.Options))

	if p.Category != types.CategoryItemVote || p.Target == "" {
		return nil
	}
	return r.enforceItemVote(ctx, p, result)
}

// enforceItemVote removes the targeted listing from the local projection
// when the REMOVE share of the vote weight reaches the threshold. The bid
// chains over the listing are kept.
func (r *Recalculator) enforceItemVote(ctx context.Context, p *types.Proposal, result *types.ProposalResult) error {
	var removeOptionID int64 = -1
	for _, opt := range p.Options {
		if opt.Description == OptionRemove {
			removeOptionID = opt.ID
			break
		}
	}
	if removeOptionID < 0 {
		return nil
	}

	var total, remove int64
	for _, opt := range result.Options {
		total += opt.Weight
		if opt.OptionID == removeOptionID {
			remove = opt.Weight
		}
	}
	if total == 0 || float64(remove)/float64(total) < r.Config.RemovalVoteThreshold {
		return nil
	}

	listing, err := r.Store.ListingByHash(ctx, p.Target)
	if errors.Is(err, store.ErrNotFound) {
		// already removed, or never seen locally
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.Store.DeleteListing(ctx, listing.ID); err != nil {
		return err
	}
	r.Metrics.CountOfRemovedListings.Add(1)
	r.Logger.Infof("Removed listing %s: %d of %d vote weight behind %s",
		p.Target, remove, total, OptionRemove)
	return nil
}
