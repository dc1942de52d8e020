// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package message

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/marketmesh/engine/pkg/types"
)

// ProtocolVersion is stamped on every outbound payload.
const ProtocolVersion = "0.3.0"

// KVS is an ordered key/value pair used as an extensible side channel on
// action payloads, e.g. to carry an escrow txid to the counterparty.
type KVS struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Side-channel keys carried in Action.Objects.
const (
	KeyTxIDLock     = "txid.lock"
	KeyTxIDComplete = "txid.complete"
	KeyTxIDRelease  = "txid.release"
	KeyTxIDRefund   = "txid.refund"
)

// Option is one selectable option of an MPA_PROPOSAL_ADD payload.
type Option struct {
	OptionID    int    `json:"optionId"`
	Description string `json:"description"`
	Hash        string `json:"hash,omitempty"`
}

// Action is the payload union over all protocol action types. The Type tag
// decides which of the optional fields are significant; the per-type
// validators enforce that.
type Action struct {
	Type      types.ActionType `json:"type"`
	Hash      string           `json:"hash,omitempty"`
	Generated int64            `json:"generated,omitempty"`

	// listing and bid chain
	Item   string `json:"item,omitempty"` // listing hash
	Seller string `json:"seller,omitempty"`
	Buyer  string `json:"buyer,omitempty"`
	Bid    string `json:"bid,omitempty"` // hash of the root MPA_BID
	Memo   string `json:"memo,omitempty"`

	// governance
	Title        string                 `json:"title,omitempty"`
	Description  string                 `json:"description,omitempty"`
	Category     types.ProposalCategory `json:"category,omitempty"`
	Target       string                 `json:"target,omitempty"`
	Submitter    string                 `json:"submitter,omitempty"`
	Options      []Option               `json:"options,omitempty"`
	ProposalHash string                 `json:"proposalHash,omitempty"`
	VoteOptionID int                    `json:"voteOptionId,omitempty"`
	Voter        string                 `json:"voter,omitempty"`
	Weight       int64                  `json:"weight,omitempty"`

	// comments
	Sender      string `json:"sender,omitempty"`
	CommentType string `json:"commentType,omitempty"`
	Message     string `json:"message,omitempty"`
	ParentHash  string `json:"parentHash,omitempty"`

	Objects []KVS `json:"objects,omitempty"`
}

// Message is the wire payload: {version, action}.
type Message struct {
	Version string  `json:"version"`
	Action  *Action `json:"action"`
}

// New wraps an action into a versioned message and stamps its content hash.
func New(action *Action) *Message {
	action.Hash = ComputeHash(action)
	return &Message{
		Version: ProtocolVersion,
		Action:  action,
	}
}

// Parse deserializes a transport payload. A structurally broken payload, a
// missing version or action, or an unknown action type is a *ParseError.
func Parse(raw string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	if m.Version == "" {
		return nil, &ParseError{Reason: "version: missing"}
	}
	if m.Action == nil {
		return nil, &ParseError{Reason: "action: missing"}
	}
	if m.Action.Type == "" {
		return nil, &ParseError{Reason: "action.type: missing"}
	}
	if !KnownType(m.Action.Type) {
		return nil, &ParseError{Reason: fmt.Sprintf("action.type: unknown: %s", m.Action.Type)}
	}
	return &m, nil
}

// Bytes serializes the message for sending.
func (m *Message) Bytes() []byte {
	raw, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("failed marshaling message: %v", err))
	}
	return raw
}

// KnownType reports whether t is a registered protocol action type.
func KnownType(t types.ActionType) bool {
	switch t {
	case types.ListingAdd, types.Bid, types.BidAccept, types.BidReject, types.BidCancel,
		types.EscrowLock, types.EscrowComplete, types.EscrowRelease, types.EscrowRefund,
		types.OrderItemShip, types.ProposalAdd, types.Vote, types.CommentAdd:
		return true
	}
	return false
}

// ComputeHash derives the canonical content hash of an action. The claimed
// hash and the objects side channel are excluded: objects may be attached
// after hashing (beforePost) and must not invalidate the hash.
func ComputeHash(action *Action) string {
	hashed := *action
	hashed.Hash = ""
	hashed.Objects = nil

	rawBytes, err := json.Marshal(hashed)
	if err != nil {
		panic(fmt.Sprintf("failed marshaling action: %v", err))
	}

	h := sha256.New()
	h.Write(rawBytes)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyHash recomputes the content hash and compares it to the claimed one.
// A mismatch is a *HashMismatchError and is never tolerated.
func VerifyHash(m *Message) error {
	computed := ComputeHash(m.Action)
	if computed != m.Action.Hash {
		return &HashMismatchError{Claimed: m.Action.Hash, Computed: computed}
	}
	return nil
}

// GetObject returns the value behind key in the objects side channel.
func (a *Action) GetObject(key string) (string, bool) {
	for _, kvs := range a.Objects {
		if kvs.Key == key {
			return kvs.Value, true
		}
	}
	return "", false
}

// PutObject appends a key/value pair to the objects side channel.
func (a *Action) PutObject(key, value string) {
	a.Objects = append(a.Objects, KVS{Key: key, Value: value})
}
