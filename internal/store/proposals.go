// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/marketmesh/engine/pkg/types"
)

// UpsertProposal records a proposal and its options, keyed by the proposal
// hash. Redelivery is a no-op returning the stored proposal.
func (s *Store) UpsertProposal(ctx context.Context, p *types.Proposal) (*types.Proposal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "upsert proposal")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO proposals
		(hash, category, title, description, submitter, target, time_start, posted_at, received_at, expired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, p.Hash, string(p.Category), p.Title, p.Description, p.Submitter, p.Target,
		p.TimeStart, p.PostedAt, p.ReceivedAt, p.ExpiredAt)
	if err != nil {
		return nil, errors.Wrap(err, "upsert proposal")
	}

	if n, _ := res.RowsAffected(); n == 1 {
		proposalID, err := res.LastInsertId()
		if err != nil {
			return nil, errors.Wrap(err, "upsert proposal")
		}
		for _, opt := range p.Options {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO proposal_options (proposal_id, option_id, description, hash)
				VALUES (?, ?, ?, ?)
			`, proposalID, opt.OptionID, opt.Description, opt.Hash)
			if err != nil {
				return nil, errors.Wrap(err, "insert proposal option")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "upsert proposal")
	}
	return s.ProposalByHash(ctx, p.Hash)
}

// ProposalByHash returns one proposal with its options loaded.
func (s *Store) ProposalByHash(ctx context.Context, hash string) (*types.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hash, category, title, description, submitter, target,
		       time_start, posted_at, received_at, expired_at
		FROM proposals WHERE hash = ?
	`, hash)
	p, err := scanProposal(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadOptions(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ActiveProposals returns proposals whose voting window includes now.
func (s *Store) ActiveProposals(ctx context.Context, now time.Time) ([]types.Proposal, error) {
	ms := now.UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hash, category, title, description, submitter, target,
		       time_start, posted_at, received_at, expired_at
		FROM proposals WHERE time_start <= ? AND expired_at > ?
		ORDER BY id
	`, ms, ms)
	if err != nil {
		return nil, errors.Wrap(err, "active proposals")
	}
	defer rows.Close()

	var proposals []types.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range proposals {
		if err := s.loadOptions(ctx, &proposals[i]); err != nil {
			return nil, err
		}
	}
	return proposals, nil
}

// CastVote records the current vote of one voter on one proposal. A later
// vote by the same voter replaces the earlier one for tally purposes.
func (s *Store) CastVote(ctx context.Context, v *types.VoteRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (proposal_id, option_id, voter, weight, received_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(proposal_id, voter) DO UPDATE SET
			option_id = excluded.option_id,
			weight = excluded.weight,
			received_at = excluded.received_at
	`, v.ProposalID, v.OptionID, v.Voter, v.Weight, v.ReceivedAt)
	return errors.Wrap(err, "cast vote")
}

// OptionByProposalAndID returns the proposal option row matching the
// wire-level option id.
func (s *Store) OptionByProposalAndID(ctx context.Context, proposalID int64, optionID int) (*types.ProposalOption, error) {
	var opt types.ProposalOption
	err := s.db.QueryRowContext(ctx, `
		SELECT id, proposal_id, option_id, description, hash
		FROM proposal_options WHERE proposal_id = ? AND option_id = ?
	`, proposalID, optionID).Scan(&opt.ID, &opt.ProposalID, &opt.OptionID, &opt.Description, &opt.Hash)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find proposal option")
	}
	return &opt, nil
}

// TallyVotes recomputes the per-option weights of a proposal from the
// current votes.
func (s *Store) TallyVotes(ctx context.Context, proposalID int64) ([]types.OptionResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT po.id, COUNT(v.id), COALESCE(SUM(v.weight), 0)
		FROM proposal_options po
		LEFT JOIN votes v ON v.option_id = po.id
		WHERE po.proposal_id = ?
		GROUP BY po.id
		ORDER BY po.option_id
	`, proposalID)
	if err != nil {
		return nil, errors.Wrap(err, "tally votes")
	}
	defer rows.Close()

	var results []types.OptionResult
	for rows.Next() {
		var r types.OptionResult
		if err := rows.Scan(&r.OptionID, &r.Voters, &r.Weight); err != nil {
			return nil, errors.Wrap(err, "tally votes")
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// SaveResult persists a tally snapshot.
func (s *Store) SaveResult(ctx context.Context, proposalID int64, calculatedAt int64, options []types.OptionResult) (*types.ProposalResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "save result")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO proposal_results (proposal_id, calculated_at) VALUES (?, ?)
	`, proposalID, calculatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "save result")
	}
	resultID, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "save result")
	}
	for _, opt := range options {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO option_results (result_id, option_id, voters, weight) VALUES (?, ?, ?, ?)
		`, resultID, opt.OptionID, opt.Voters, opt.Weight)
		if err != nil {
			return nil, errors.Wrap(err, "save option result")
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "save result")
	}

	return &types.ProposalResult{
		ID:           resultID,
		ProposalID:   proposalID,
		CalculatedAt: calculatedAt,
		Options:      options,
	}, nil
}

// LatestResult returns the most recent tally snapshot for a proposal, or
// ErrNotFound when none was calculated yet.
func (s *Store) LatestResult(ctx context.Context, proposalID int64) (*types.ProposalResult, error) {
	var r types.ProposalResult
	err := s.db.QueryRowContext(ctx, `
		SELECT id, proposal_id, calculated_at FROM proposal_results
		WHERE proposal_id = ? ORDER BY calculated_at DESC, id DESC LIMIT 1
	`, proposalID).Scan(&r.ID, &r.ProposalID, &r.CalculatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "latest result")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT option_id, voters, weight FROM option_results WHERE result_id = ? ORDER BY id
	`, r.ID)
	if err != nil {
		return nil, errors.Wrap(err, "latest result")
	}
	defer rows.Close()
	for rows.Next() {
		var opt types.OptionResult
		if err := rows.Scan(&opt.OptionID, &opt.Voters, &opt.Weight); err != nil {
			return nil, errors.Wrap(err, "latest result")
		}
		r.Options = append(r.Options, opt)
	}
	return &r, rows.Err()
}

func (s *Store) loadOptions(ctx context.Context, p *types.Proposal) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, proposal_id, option_id, description, hash
		FROM proposal_options WHERE proposal_id = ? ORDER BY option_id
	`, p.ID)
	if err != nil {
		return errors.Wrap(err, "load options")
	}
	defer rows.Close()
	for rows.Next() {
		var opt types.ProposalOption
		if err := rows.Scan(&opt.ID, &opt.ProposalID, &opt.OptionID, &opt.Description, &opt.Hash); err != nil {
			return errors.Wrap(err, "load options")
		}
		p.Options = append(p.Options, opt)
	}
	return rows.Err()
}

func scanProposal(row rowScanner) (*types.Proposal, error) {
	var p types.Proposal
	var category string
	err := row.Scan(&p.ID, &p.Hash, &category, &p.Title, &p.Description, &p.Submitter,
		&p.Target, &p.TimeStart, &p.PostedAt, &p.ReceivedAt, &p.ExpiredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan proposal")
	}
	p.Category = types.ProposalCategory(category)
	return &p, nil
}
