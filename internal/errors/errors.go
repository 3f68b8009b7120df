// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package errors implements kodiak's structured error type. It follows the
// upspin-style Op/Code/E convention: every error names the operation that
// produced it and carries a canonical code so callers can branch on failure
// class without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Op describes the operation that failed, e.g. "rdb.AddJob".
type Op string

// Code classifies an error into one of the taxonomy's canonical buckets.
type Code int

const (
	Unspecified Code = iota
	Internal         // StoreError / ScriptError: transient store or script failure
	InvalidArgument  // ConfigError: caller passed a malformed option
	FailedPrecondition
	NotFound
	AlreadyExists // add() called with an id that already exists
	CorruptJob    // job hash missing its data field
)

func (c Code) String() string {
	switch c {
	case Internal:
		return "internal"
	case InvalidArgument:
		return "invalid_argument"
	case FailedPrecondition:
		return "failed_precondition"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case CorruptJob:
		return "corrupt_job"
	default:
		return "unspecified"
	}
}

// Error is kodiak's structured error value.
type Error struct {
	Op   Op
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error from a mix of Op, Code, error and string arguments,
// in the style of upspin's errors.E: E(op, code, err) or E(op, code, "msg").
func E(args ...interface{}) error {
	e := &Error{}
	for _, a := range args {
		switch v := a.(type) {
		case Op:
			e.Op = v
		case Code:
			e.Code = v
		case error:
			e.Err = v
		case string:
			e.Err = errors.New(v)
		default:
			panic(fmt.Sprintf("errors.E: unsupported argument type %T", v))
		}
	}
	return e
}

// Is reports whether err (or any error it wraps) has the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CanonicalCode extracts the Code carried by err, or Unspecified if err does
// not carry one.
func CanonicalCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unspecified
}

// RedisCommandError wraps an error returned by a Redis command or script
// invocation as an Internal error, matching the taxonomy's StoreError/
// ScriptError bucket.
func RedisCommandError(op Op, err error) error {
	return E(op, Internal, err)
}
