// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/marketmesh/engine/pkg/types"
)

// UpsertListing records a listing projection keyed by its content hash.
// Redelivery is a no-op.
func (s *Store) UpsertListing(ctx context.Context, item *types.ListingItem) (*types.ListingItem, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO listing_items (hash, msgid, seller, market, title, posted_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, item.Hash, item.MsgID, item.Seller, item.Market, item.Title, item.PostedAt)
	if err != nil {
		return nil, errors.Wrap(err, "upsert listing")
	}
	return s.ListingByHash(ctx, item.Hash)
}

// ListingByHash returns the listing with the given hash.
func (s *Store) ListingByHash(ctx context.Context, hash string) (*types.ListingItem, error) {
	return s.scanListing(ctx, `
		SELECT id, hash, msgid, seller, market, title, posted_at FROM listing_items WHERE hash = ?
	`, hash)
}

// ListingByID returns the listing with the given row id.
func (s *Store) ListingByID(ctx context.Context, id int64) (*types.ListingItem, error) {
	return s.scanListing(ctx, `
		SELECT id, hash, msgid, seller, market, title, posted_at FROM listing_items WHERE id = ?
	`, id)
}

func (s *Store) scanListing(ctx context.Context, query string, args ...interface{}) (*types.ListingItem, error) {
	var item types.ListingItem
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&item.ID, &item.Hash, &item.MsgID, &item.Seller, &item.Market, &item.Title, &item.PostedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find listing")
	}
	return &item, nil
}

// DeleteListing removes a listing from the local projection, e.g. when an
// item vote crosses the removal threshold. Bid chains referencing it are
// kept.
func (s *Store) DeleteListing(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM listing_items WHERE id = ?`, id)
	return errors.Wrap(err, "delete listing")
}
