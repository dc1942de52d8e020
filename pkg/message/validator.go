// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package message

import (
	"github.com/marketmesh/engine/pkg/types"
)

// Validator is a pure structural predicate over a parsed message. It never
// consults external state; causal readiness is a separate concern.
type Validator func(*Message) error

// ValidatorFor resolves the validator of an action type. An unknown type is
// a *NotImplementedError; the caller is expected to resolve all validators
// at startup and fail loudly on a missing one.
func ValidatorFor(t types.ActionType) (Validator, error) {
	v, ok := validators[t]
	if !ok {
		return nil, &NotImplementedError{Type: t}
	}
	return v, nil
}

// Validate dispatches to the validator matching the message's action type.
func Validate(m *Message) error {
	v, err := ValidatorFor(m.Action.Type)
	if err != nil {
		return err
	}
	return v(m)
}

var validators = map[types.ActionType]Validator{
	types.ListingAdd:     validateListingAdd,
	types.Bid:            validateBid,
	types.BidAccept:      bidReference(types.BidAccept),
	types.BidReject:      bidReference(types.BidReject),
	types.BidCancel:      bidReference(types.BidCancel),
	types.EscrowLock:     bidReference(types.EscrowLock),
	types.EscrowComplete: bidReference(types.EscrowComplete),
	types.EscrowRelease:  bidReference(types.EscrowRelease),
	types.EscrowRefund:   bidReference(types.EscrowRefund),
	types.OrderItemShip:  bidReference(types.OrderItemShip),
	types.ProposalAdd:    validateProposalAdd,
	types.Vote:           validateVote,
	types.CommentAdd:     validateCommentAdd,
}

// common checks shared by all validators: version, action, matching type.
func common(m *Message, expected types.ActionType) []string {
	var missing []string
	if m.Version == "" {
		missing = append(missing, "version")
	}
	if m.Action == nil {
		return append(missing, "action")
	}
	if m.Action.Type != expected {
		missing = append(missing, "action.type")
	}
	if m.Action.Hash == "" {
		missing = append(missing, "action.hash")
	}
	return missing
}

func fail(t types.ActionType, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Type: t, Fields: fields}
}

func validateListingAdd(m *Message) error {
	fields := common(m, types.ListingAdd)
	if m.Action != nil {
		if m.Action.Seller == "" {
			fields = append(fields, "action.seller")
		}
		if m.Action.Title == "" {
			fields = append(fields, "action.title")
		}
	}
	return fail(types.ListingAdd, fields)
}

func validateBid(m *Message) error {
	fields := common(m, types.Bid)
	if m.Action != nil {
		if m.Action.Item == "" {
			fields = append(fields, "action.item")
		}
		if m.Action.Buyer == "" {
			fields = append(fields, "action.buyer")
		}
		if m.Action.Generated <= 0 {
			fields = append(fields, "action.generated")
		}
	}
	return fail(types.Bid, fields)
}

// bidReference covers every action that extends an existing bid chain: the
// only extra structural requirement is the root MPA_BID hash reference.
func bidReference(t types.ActionType) Validator {
	return func(m *Message) error {
		fields := common(m, t)
		if m.Action != nil && m.Action.Bid == "" {
			fields = append(fields, "action.bid")
		}
		return fail(t, fields)
	}
}

func validateProposalAdd(m *Message) error {
	fields := common(m, types.ProposalAdd)
	if m.Action != nil {
		if m.Action.Title == "" {
			fields = append(fields, "action.title")
		}
		if m.Action.Submitter == "" {
			fields = append(fields, "action.submitter")
		}
		if len(m.Action.Options) < 2 {
			fields = append(fields, "action.options")
		}
		if m.Action.Category == types.CategoryItemVote && m.Action.Target == "" {
			fields = append(fields, "action.target")
		}
	}
	return fail(types.ProposalAdd, fields)
}

func validateVote(m *Message) error {
	fields := common(m, types.Vote)
	if m.Action != nil {
		if m.Action.ProposalHash == "" {
			fields = append(fields, "action.proposalHash")
		}
		if m.Action.Voter == "" {
			fields = append(fields, "action.voter")
		}
	}
	return fail(types.Vote, fields)
}

func validateCommentAdd(m *Message) error {
	fields := common(m, types.CommentAdd)
	if m.Action != nil {
		if m.Action.Sender == "" {
			fields = append(fields, "action.sender")
		}
		if m.Action.Target == "" {
			fields = append(fields, "action.target")
		}
		if m.Action.Message == "" {
			fields = append(fields, "action.message")
		}
	}
	return fail(types.CommentAdd, fields)
}
