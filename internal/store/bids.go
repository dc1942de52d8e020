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

// BidCreateRequest carries everything needed to persist one step of a bid
// chain. Hash is the content hash of the action message that caused it and
// doubles as the idempotency key.
type BidCreateRequest struct {
	Hash        string
	Type        types.ActionType
	Bidder      string
	MsgID       string
	ListingID   int64
	ParentBidID int64
	GeneratedAt int64
}

// orderEdges are the forward edges of the aggregate order status.
var orderEdges = map[types.OrderStatus][]types.OrderStatus{
	types.OrderSent:       {types.OrderProcessing},
	types.OrderReceived:   {types.OrderProcessing},
	types.OrderProcessing: {types.OrderComplete, types.OrderRefunded},
}

func validOrderTransition(from, to types.OrderStatus) bool {
	for _, next := range orderEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CreateRootBid persists the root MPA_BID of a new chain together with its
// Order and OrderItem, in one transaction. Replaying the same message is a
// no-op returning the existing bid.
func (s *Store) CreateRootBid(ctx context.Context, req BidCreateRequest, itemHash, buyer, seller string, orderStatus types.OrderStatus) (*types.BidRecord, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "create root bid")
	}
	defer tx.Rollback()

	created, err := insertBid(ctx, tx, req)
	if err != nil {
		return nil, false, err
	}

	if created {
		bidID, err := bidIDByHash(ctx, tx, req.Hash)
		if err != nil {
			return nil, false, err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO orders (hash, buyer, seller, status) VALUES (?, ?, ?, ?)
		`, req.Hash, buyer, seller, string(orderStatus))
		if err != nil {
			return nil, false, errors.Wrap(err, "create order")
		}
		orderID, err := res.LastInsertId()
		if err != nil {
			return nil, false, errors.Wrap(err, "create order")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, bid_id, item_hash, status) VALUES (?, ?, ?, ?)
		`, orderID, bidID, itemHash, string(types.ItemBidded))
		if err != nil {
			return nil, false, errors.Wrap(err, "create order item")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, errors.Wrap(err, "create root bid")
	}

	bid, err := s.FindBidByHash(ctx, req.Hash)
	return bid, created, err
}

// CreateChildBid persists a non-root bid and advances the chain's OrderItem
// and Order statuses as one unit: either all of it commits or none of it
// does. Replaying the same message skips the status updates and returns the
// existing bid. An empty itemStatus or orderStatus leaves that status alone.
func (s *Store) CreateChildBid(ctx context.Context, req BidCreateRequest, itemStatus types.OrderItemStatus, orderStatus types.OrderStatus) (*types.BidRecord, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "create child bid")
	}
	defer tx.Rollback()

	created, err := insertBid(ctx, tx, req)
	if err != nil {
		return nil, false, err
	}

	if created {
		if itemStatus != "" {
			if err := advanceOrderItem(ctx, tx, req.ParentBidID, itemStatus); err != nil {
				return nil, false, err
			}
		}
		if orderStatus != "" {
			if err := advanceOrder(ctx, tx, req.ParentBidID, orderStatus); err != nil {
				return nil, false, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, errors.Wrap(err, "create child bid")
	}

	bid, err := s.FindBidByHash(ctx, req.Hash)
	return bid, created, err
}

func insertBid(ctx context.Context, tx *sql.Tx, req BidCreateRequest) (bool, error) {
	var parent interface{}
	if req.ParentBidID != 0 {
		parent = req.ParentBidID
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO bids (hash, type, bidder, msgid, listing_id, parent_bid_id, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, req.Hash, string(req.Type), req.Bidder, req.MsgID, req.ListingID, parent, req.GeneratedAt)
	if err != nil {
		return false, errors.Wrap(err, "insert bid")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "insert bid")
	}
	return n == 1, nil
}

func bidIDByHash(ctx context.Context, tx *sql.Tx, hash string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM bids WHERE hash = ?`, hash).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, errors.Wrapf(ErrNotFound, "bid %s", hash)
	}
	if err != nil {
		return 0, errors.Wrap(err, "find bid")
	}
	return id, nil
}

// advanceOrderItem moves the OrderItem linked to the root bid along the
// status graph. An off-graph transition is an error and rolls back the
// surrounding transaction; reasserting the current status is a no-op.
func advanceOrderItem(ctx context.Context, tx *sql.Tx, rootBidID int64, to types.OrderItemStatus) error {
	var id int64
	var current string
	err := tx.QueryRowContext(ctx,
		`SELECT id, status FROM order_items WHERE bid_id = ?`, rootBidID).Scan(&id, &current)
	if err == sql.ErrNoRows {
		return errors.Wrapf(ErrNotFound, "order item for bid %d", rootBidID)
	}
	if err != nil {
		return errors.Wrap(err, "find order item")
	}

	from := types.OrderItemStatus(current)
	if from == to {
		return nil
	}
	if !types.ValidItemTransition(from, to) {
		return errors.Errorf("invalid order item transition %s -> %s", from, to)
	}
	_, err = tx.ExecContext(ctx, `UPDATE order_items SET status = ? WHERE id = ?`, string(to), id)
	return errors.Wrap(err, "update order item status")
}

func advanceOrder(ctx context.Context, tx *sql.Tx, rootBidID int64, to types.OrderStatus) error {
	var id int64
	var current string
	err := tx.QueryRowContext(ctx, `
		SELECT o.id, o.status FROM orders o
		JOIN order_items oi ON oi.order_id = o.id
		WHERE oi.bid_id = ?
	`, rootBidID).Scan(&id, &current)
	if err == sql.ErrNoRows {
		return errors.Wrapf(ErrNotFound, "order for bid %d", rootBidID)
	}
	if err != nil {
		return errors.Wrap(err, "find order")
	}

	from := types.OrderStatus(current)
	if from == to {
		return nil
	}
	if !validOrderTransition(from, to) {
		return errors.Errorf("invalid order transition %s -> %s", from, to)
	}
	_, err = tx.ExecContext(ctx, `UPDATE orders SET status = ? WHERE id = ?`, string(to), id)
	return errors.Wrap(err, "update order status")
}

// FindBidByHash returns the bid with the given content hash, its child bids
// loaded.
func (s *Store) FindBidByHash(ctx context.Context, hash string) (*types.BidRecord, error) {
	bid, err := s.scanBid(ctx, `SELECT id, hash, type, bidder, msgid, listing_id,
		COALESCE(parent_bid_id, 0), generated_at FROM bids WHERE hash = ?`, hash)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, hash, type, bidder, msgid, listing_id,
		COALESCE(parent_bid_id, 0), generated_at FROM bids WHERE parent_bid_id = ? ORDER BY id`, bid.ID)
	if err != nil {
		return nil, errors.Wrap(err, "load child bids")
	}
	defer rows.Close()

	for rows.Next() {
		var child types.BidRecord
		var typ string
		if err := rows.Scan(&child.ID, &child.Hash, &typ, &child.Bidder, &child.MsgID,
			&child.ListingID, &child.ParentBidID, &child.GeneratedAt); err != nil {
			return nil, errors.Wrap(err, "load child bids")
		}
		child.Type = types.ActionType(typ)
		bid.ChildBids = append(bid.ChildBids, child)
	}
	return bid, rows.Err()
}

func (s *Store) scanBid(ctx context.Context, query string, args ...interface{}) (*types.BidRecord, error) {
	var bid types.BidRecord
	var typ string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&bid.ID, &bid.Hash, &typ, &bid.Bidder,
		&bid.MsgID, &bid.ListingID, &bid.ParentBidID, &bid.GeneratedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find bid")
	}
	bid.Type = types.ActionType(typ)
	return &bid, nil
}

// OrderItemByBidID returns the OrderItem linked to the given root bid.
func (s *Store) OrderItemByBidID(ctx context.Context, bidID int64) (*types.OrderItem, error) {
	var item types.OrderItem
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, bid_id, item_hash, status FROM order_items WHERE bid_id = ?
	`, bidID).Scan(&item.ID, &item.OrderID, &item.BidID, &item.ItemHash, &status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find order item")
	}
	item.Status = types.OrderItemStatus(status)
	return &item, nil
}

// OrderByID returns one order.
func (s *Store) OrderByID(ctx context.Context, id int64) (*types.Order, error) {
	var order types.Order
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, hash, buyer, seller, status FROM orders WHERE id = ?
	`, id).Scan(&order.ID, &order.Hash, &order.Buyer, &order.Seller, &status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find order")
	}
	order.Status = types.OrderStatus(status)
	return &order, nil
}
