// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package epkverrors carries the closed error taxonomy of spec.md §7 across
// package boundaries without losing the kind a caller needs to switch on.
package epkverrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a synchronous or asynchronous outcome from the taxonomy of
// spec.md §7. Kinds map directly onto wire-protocol status codes at the
// (out-of-scope) framer boundary.
type Kind int

const (
	_ Kind = iota

	// Admission
	KindNotMyVBucket
	KindNoBucket
	KindAccessDenied
	KindDurabilityImpossible
	KindDurabilityInvalidLevel
	KindE2BIG
	KindEInval

	// Concurrency
	KindSyncWriteInProgress
	KindSyncWritePending
	KindSyncWriteReCommitInProgress
	KindTemporaryFailure
	KindWouldBlock

	// Key-state
	KindKeyNotFound
	KindKeyExists
	KindLocked
	KindCasMismatch
	KindNotStored

	// Durability outcomes (asynchronous)
	KindSyncWriteAmbiguous
	KindSyncWriteTimedOut
	KindSuccess
	KindCancelled

	// Resource
	KindNoMemory
	KindBusy
	KindEtmpfail

	// Collections
	KindUnknownCollection
	KindUnknownScope

	// Integrity
	KindXattrEInval

	// Not directly in spec.md but required by §9 note 2 (DCP + unordered
	// execution rejection).
	KindNotSupported
)

var names = map[Kind]string{
	KindNotMyVBucket:                "NotMyVBucket",
	KindNoBucket:                    "NoBucket",
	KindAccessDenied:                "AccessDenied",
	KindDurabilityImpossible:        "DurabilityImpossible",
	KindDurabilityInvalidLevel:      "DurabilityInvalidLevel",
	KindE2BIG:                       "E2BIG",
	KindEInval:                      "EInval",
	KindSyncWriteInProgress:         "SyncWriteInProgress",
	KindSyncWritePending:            "SyncWritePending",
	KindSyncWriteReCommitInProgress: "SyncWriteReCommitInProgress",
	KindTemporaryFailure:            "TemporaryFailure",
	KindWouldBlock:                  "WouldBlock",
	KindKeyNotFound:                 "KeyNotFound",
	KindKeyExists:                   "KeyExists",
	KindLocked:                      "Locked",
	KindCasMismatch:                 "CasMismatch",
	KindNotStored:                   "NotStored",
	KindSyncWriteAmbiguous:          "SyncWriteAmbiguous",
	KindSyncWriteTimedOut:           "SyncWriteTimedOut",
	KindSuccess:                     "Success",
	KindCancelled:                   "Cancelled",
	KindNoMemory:                    "NoMemory",
	KindBusy:                        "Busy",
	KindEtmpfail:                    "Etmpfail",
	KindUnknownCollection:           "UnknownCollection",
	KindUnknownScope:                "UnknownScope",
	KindXattrEInval:                 "XattrEInval",
	KindNotSupported:                "NotSupported",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a wire-mappable error carrying a Kind (spec.md §7) plus whatever
// context pkg/errors accumulated on the way up the stack.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.err }

// New builds a bare Kind error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an underlying error, preserving its stack via
// pkg/errors the way the teacher's own error paths do (tests/state_test_util.go).
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, msg: message, err: errors.WithMessage(err, message)}
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			break
		}
		err = errors.Unwrap(err)
	}
	return e != nil && e.Kind == kind
}

// KindOf extracts the Kind from err, or (0, false) if err does not carry one.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
