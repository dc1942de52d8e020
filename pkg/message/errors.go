// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package message

import (
	"errors"
	"fmt"
	"strings"

	"github.com/marketmesh/engine/pkg/types"
)

// ParseError means the payload could not be deserialized into an action
// message. Terminal, never retried.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "parse failed: " + e.Reason
}

// ValidationError means the payload is structurally well formed but invalid
// per its type's validator. Terminal, never retried.
type ValidationError struct {
	Type   types.ActionType
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %s", e.Type, strings.Join(e.Fields, ", "))
}

// HashMismatchError means the claimed content hash does not match the
// recomputed one. Treated with validation severity.
type HashMismatchError struct {
	Claimed  string
	Computed string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch: claimed %s, computed %s", e.Claimed, e.Computed)
}

// NotImplementedError means an action type has no registered handler. This
// is a configuration defect, not a per-message failure.
type NotImplementedError struct {
	Type types.ActionType
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("no handler for action type %s", e.Type)
}

// IsValidationFailure reports whether err carries validation severity, i.e.
// the message is terminally invalid rather than transiently unprocessable.
func IsValidationFailure(err error) bool {
	var ve *ValidationError
	var he *HashMismatchError
	return errors.As(err, &ve) || errors.As(err, &he)
}
