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

// UpsertComment records a comment projection keyed by its content hash.
func (s *Store) UpsertComment(ctx context.Context, c *types.Comment) (*types.Comment, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (hash, sender, target, comment_type, message, parent_hash, posted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, c.Hash, c.Sender, c.Target, c.CommentType, c.Message, c.ParentHash, c.PostedAt)
	if err != nil {
		return nil, errors.Wrap(err, "upsert comment")
	}
	return s.CommentByHash(ctx, c.Hash)
}

// CommentByHash returns the comment with the given hash.
func (s *Store) CommentByHash(ctx context.Context, hash string) (*types.Comment, error) {
	var c types.Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, hash, sender, target, comment_type, message, parent_hash, posted_at
		FROM comments WHERE hash = ?
	`, hash).Scan(&c.ID, &c.Hash, &c.Sender, &c.Target, &c.CommentType, &c.Message, &c.ParentHash, &c.PostedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find comment")
	}
	return &c, nil
}
