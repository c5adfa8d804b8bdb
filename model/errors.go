//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

package model

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyResponse is returned when a model closes its response
	// channel without delivering a message.
	ErrEmptyResponse = errors.New("model returned no message")
	// ErrCircuitOpen is returned while a circuit breaker refuses calls.
	ErrCircuitOpen = errors.New("model circuit breaker is open")
)

// InvocationError reports a failed or timed out model call.
type InvocationError struct {
	Model string
	Err   error
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("model invocation failed: %v", e.Err)
	}
	return fmt.Sprintf("model %s invocation failed: %v", e.Model, e.Err)
}

// Unwrap returns the underlying cause.
func (e *InvocationError) Unwrap() error {
	return e.Err
}

// IsInvocationError reports whether err wraps an *InvocationError.
func IsInvocationError(err error) bool {
	var ie *InvocationError
	return errors.As(err, &ie)
}
