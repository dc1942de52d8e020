// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package types

import (
	"time"
)

// ActionType tags a protocol action message. The values are the wire-level
// discriminants carried in action.type.
type ActionType string

const (
	ListingAdd     ActionType = "MPA_LISTING_ADD"
	Bid            ActionType = "MPA_BID"
	BidAccept      ActionType = "MPA_ACCEPT"
	BidReject      ActionType = "MPA_REJECT"
	BidCancel      ActionType = "MPA_CANCEL"
	EscrowLock     ActionType = "MPA_LOCK"
	EscrowComplete ActionType = "MPA_COMPLETE"
	EscrowRelease  ActionType = "MPA_RELEASE"
	EscrowRefund   ActionType = "MPA_REFUND"
	OrderItemShip  ActionType = "MPA_SHIP"
	ProposalAdd    ActionType = "MPA_PROPOSAL_ADD"
	Vote           ActionType = "MPA_VOTE"
	CommentAdd     ActionType = "MPA_COMMENT_ADD"
)

// BidChainTypes are the action types that extend an existing bid chain and
// therefore carry a reference to the root MPA_BID hash.
var BidChainTypes = []ActionType{
	BidAccept, BidReject, BidCancel,
	EscrowLock, EscrowComplete, EscrowRelease, EscrowRefund,
	OrderItemShip,
}

// MessageStatus is the per-delivery lifecycle of an inbound envelope.
type MessageStatus string

const (
	StatusNew              MessageStatus = "NEW"
	StatusProcessing       MessageStatus = "PROCESSING"
	StatusWaiting          MessageStatus = "WAITING"
	StatusProcessed        MessageStatus = "PROCESSED"
	StatusProcessingFailed MessageStatus = "PROCESSING_FAILED"
	StatusValidationFailed MessageStatus = "VALIDATION_FAILED"
	StatusParsingFailed    MessageStatus = "PARSING_FAILED"
)

// Terminal returns true when the status ends the delivery attempt.
func (s MessageStatus) Terminal() bool {
	switch s {
	case StatusProcessed, StatusProcessingFailed, StatusValidationFailed, StatusParsingFailed:
		return true
	}
	return false
}

// Direction of an envelope relative to this node.
type Direction string

const (
	Incoming Direction = "INCOMING"
	Outgoing Direction = "OUTGOING"
)

// Envelope is the transport-level record of a delivered or sent message.
// The protocol payload is opaque here; the message package parses Text.
type Envelope struct {
	ID         int64
	MsgID      string
	From       string
	To         string
	Type       ActionType
	Status     MessageStatus
	Direction  Direction
	Text       string
	Sent       int64
	Received   int64
	Expiration int64
}

// Expired reports whether the envelope's protocol-level expiration has passed.
func (e *Envelope) Expired(now time.Time) bool {
	return e.Expiration < now.UnixMilli()
}

// OrderItemStatus is the per-line-item stage of an order.
type OrderItemStatus string

const (
	ItemBidded          OrderItemStatus = "BIDDED"
	ItemAwaitingEscrow  OrderItemStatus = "AWAITING_ESCROW"
	ItemEscrowLocked    OrderItemStatus = "ESCROW_LOCKED"
	ItemEscrowCompleted OrderItemStatus = "ESCROW_COMPLETED"
	ItemShipping        OrderItemStatus = "SHIPPING"
	ItemComplete        OrderItemStatus = "COMPLETE"
	ItemRejected        OrderItemStatus = "REJECTED"
	ItemCancelled       OrderItemStatus = "CANCELLED"
	ItemEscrowRefunded  OrderItemStatus = "ESCROW_REFUNDED"
)

// orderItemEdges holds the forward edges of the OrderItem status graph.
// A transition absent from here is rejected by the store.
var orderItemEdges = map[OrderItemStatus][]OrderItemStatus{
	ItemBidded:          {ItemAwaitingEscrow, ItemRejected, ItemCancelled},
	ItemAwaitingEscrow:  {ItemEscrowLocked},
	ItemEscrowLocked:    {ItemEscrowCompleted, ItemEscrowRefunded},
	ItemEscrowCompleted: {ItemShipping},
	ItemShipping:        {ItemComplete},
}

// ValidItemTransition reports whether from -> to is a forward edge of the
// OrderItem status graph.
func ValidItemTransition(from, to OrderItemStatus) bool {
	for _, next := range orderItemEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderStatus is the aggregate order stage, derived alongside its first
// OrderItem since multi-item orders are not supported.
type OrderStatus string

const (
	OrderSent       OrderStatus = "SENT"
	OrderReceived   OrderStatus = "RECEIVED"
	OrderProcessing OrderStatus = "PROCESSING"
	OrderComplete   OrderStatus = "COMPLETE"
	OrderRefunded   OrderStatus = "REFUNDED"
)

// ListingItem is the local projection of a published listing. MsgID links
// back to the envelope that carried it, whose raw payload is needed when
// building escrow transactions over the listing.
type ListingItem struct {
	ID       int64
	Hash     string
	MsgID    string
	Seller   string
	Market   string
	Title    string
	PostedAt int64
}

// BidRecord is one step in a bid chain. The root record has type MPA_BID
// and no parent; every later record points at its causal predecessor.
type BidRecord struct {
	ID          int64
	Hash        string
	Type        ActionType
	Bidder      string
	MsgID       string
	ListingID   int64
	ParentBidID int64 // 0 for the root
	GeneratedAt int64
	ChildBids   []BidRecord
}

// ChildOfType returns the first child bid of the given type, or nil.
func (b *BidRecord) ChildOfType(t ActionType) *BidRecord {
	for i := range b.ChildBids {
		if b.ChildBids[i].Type == t {
			return &b.ChildBids[i]
		}
	}
	return nil
}

// OrderItem is one line item of an Order, linked 1:1 to the root bid of its
// chain.
type OrderItem struct {
	ID       int64
	OrderID  int64
	BidID    int64
	ItemHash string
	Status   OrderItemStatus
}

// Order aggregates order items between one buyer and one seller.
type Order struct {
	ID     int64
	Hash   string
	Buyer  string
	Seller string
	Status OrderStatus
}

// ProposalCategory classifies a governance proposal.
type ProposalCategory string

const (
	CategoryItemVote   ProposalCategory = "ITEM_VOTE"
	CategoryMarketVote ProposalCategory = "MARKET_VOTE"
	CategoryPublicVote ProposalCategory = "PUBLIC_VOTE"
)

// Proposal is the local projection of a governance proposal.
type Proposal struct {
	ID          int64
	Hash        string
	Category    ProposalCategory
	Title       string
	Description string
	Submitter   string
	Target      string // listing hash for ITEM_VOTE
	TimeStart   int64
	PostedAt    int64
	ReceivedAt  int64
	ExpiredAt   int64
	Options     []ProposalOption
}

// Active reports whether the voting window includes the given instant.
func (p *Proposal) Active(now time.Time) bool {
	ms := now.UnixMilli()
	return p.TimeStart <= ms && ms < p.ExpiredAt
}

// ProposalOption is one selectable option of a proposal.
type ProposalOption struct {
	ID          int64
	ProposalID  int64
	OptionID    int
	Description string
	Hash        string
}

// VoteRecord is the current vote of one voter on one proposal. A later vote
// by the same voter supersedes the earlier one.
type VoteRecord struct {
	ID         int64
	ProposalID int64
	OptionID   int64
	Voter      string
	Weight     int64
	ReceivedAt int64
}

// ProposalResult is a tally snapshot for one proposal.
type ProposalResult struct {
	ID           int64
	ProposalID   int64
	CalculatedAt int64
	Options      []OptionResult
}

// OptionResult is the tallied weight behind one option.
type OptionResult struct {
	OptionID int64
	Voters   int64
	Weight   int64
}

// Comment is the local projection of an MPA_COMMENT_ADD.
type Comment struct {
	ID          int64
	Hash        string
	Sender      string
	Target      string
	CommentType string
	Message     string
	ParentHash  string
	PostedAt    int64
}

// SendResult is returned to the caller of an outbound action.
type SendResult struct {
	MsgID string
	Fee   float64
	Error string
}

// Configuration holds the tunables of the engine. Zero values are replaced
// by the defaults below.
type Configuration struct {
	PollInterval         time.Duration
	BatchSize            int
	RecalcInterval       time.Duration
	RecalcStaleness      time.Duration
	RemovalVoteThreshold float64 // fraction of total weight behind REMOVE
	PaidMessages         bool
}

// DefaultConfig are the engine defaults.
var DefaultConfig = Configuration{
	PollInterval:         5 * time.Second,
	BatchSize:            10,
	RecalcInterval:       time.Minute,
	RecalcStaleness:      30 * time.Minute,
	RemovalVoteThreshold: 0.1,
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Configuration) WithDefaults() Configuration {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultConfig.PollInterval
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultConfig.BatchSize
	}
	if c.RecalcInterval == 0 {
		c.RecalcInterval = DefaultConfig.RecalcInterval
	}
	if c.RecalcStaleness == 0 {
		c.RecalcStaleness = DefaultConfig.RecalcStaleness
	}
	if c.RemovalVoteThreshold == 0 {
		c.RemovalVoteThreshold = DefaultConfig.RemovalVoteThreshold
	}
	return c
}
