// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/marketmesh/engine/pkg/api"
	"github.com/marketmesh/engine/pkg/types"
)

// SaveEnvelope records a delivered or sent envelope. Redelivery of the same
// msgid is a no-op; the stored row wins.
func (s *Store) SaveEnvelope(ctx context.Context, env *types.Envelope) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO envelopes
		(msgid, sender, recipient, type, status, direction, text, sent, received, expiration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msgid) DO NOTHING
	`, env.MsgID, env.From, env.To, string(env.Type), string(env.Status), string(env.Direction),
		env.Text, env.Sent, env.Received, env.Expiration)
	if err != nil {
		return errors.Wrap(err, "save envelope")
	}

	stored, err := s.EnvelopeByMsgID(ctx, env.MsgID)
	if err != nil {
		return err
	}
	*env = *stored
	return nil
}

// EnvelopeByMsgID fetches one envelope by its transport id.
func (s *Store) EnvelopeByMsgID(ctx context.Context, msgID string) (*types.Envelope, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, msgid, sender, recipient, type, status, direction, text, sent, received, expiration
		FROM envelopes WHERE msgid = ?
	`, msgID)
	return scanEnvelope(row)
}

// SearchEnvelopes returns stored envelopes matching the filter, newest
// received first.
func (s *Store) SearchEnvelopes(ctx context.Context, filter api.PollFilter) ([]types.Envelope, error) {
	query := `
		SELECT id, msgid, sender, recipient, type, status, direction, text, sent, received, expiration
		FROM envelopes WHERE 1=1`
	var args []interface{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Direction != "" {
		query += " AND direction = ?"
		args = append(args, string(filter.Direction))
	}
	if len(filter.Types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Types)), ",")
		query += fmt.Sprintf(" AND type IN (%s)", placeholders)
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	if filter.MaxAge > 0 {
		query += " AND received >= ?"
		args = append(args, time.Now().Add(-filter.MaxAge).UnixMilli())
	}

	query += " ORDER BY received DESC, id DESC"
	limit := filter.PageLimit
	if limit <= 0 {
		limit = 10
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Page*limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "search envelopes")
	}
	defer rows.Close()

	var envs []types.Envelope
	for rows.Next() {
		env, err := scanEnvelopeRows(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, *env)
	}
	return envs, rows.Err()
}

// UpdateEnvelopeStatus persists a status transition and returns the updated
// envelope.
func (s *Store) UpdateEnvelopeStatus(ctx context.Context, msgID string, status types.MessageStatus) (*types.Envelope, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE envelopes SET status = ? WHERE msgid = ?`, string(status), msgID)
	if err != nil {
		return nil, errors.Wrap(err, "update envelope status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "update envelope status")
	}
	if n == 0 {
		return nil, errors.Wrapf(ErrNotFound, "envelope %s", msgID)
	}
	return s.EnvelopeByMsgID(ctx, msgID)
}

// ClaimEnvelope transitions an envelope to PROCESSING, but only from a
// claimable state. It acts as the per-message mutual-exclusion lock: at most
// one dispatch cycle wins the claim.
func (s *Store) ClaimEnvelope(ctx context.Context, msgID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE envelopes SET status = ?
		WHERE msgid = ? AND status IN (?, ?)
	`, string(types.StatusProcessing), msgID, string(types.StatusNew), string(types.StatusWaiting))
	if err != nil {
		return false, errors.Wrap(err, "claim envelope")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "claim envelope")
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEnvelope(row *sql.Row) (*types.Envelope, error) {
	env, err := scanEnvelopeRows(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return env, err
}

func scanEnvelopeRows(row rowScanner) (*types.Envelope, error) {
	var env types.Envelope
	var typ, status, direction string
	err := row.Scan(&env.ID, &env.MsgID, &env.From, &env.To, &typ, &status, &direction,
		&env.Text, &env.Sent, &env.Received, &env.Expiration)
	if err != nil {
		return nil, err
	}
	env.Type = types.ActionType(typ)
	env.Status = types.MessageStatus(status)
	env.Direction = types.Direction(direction)
	return &env, nil
}
