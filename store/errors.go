// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("message not found")
	ErrClosed            = errors.New("store closed")
	ErrTransactionClosed = errors.New("store transaction already finished")
)

// RuntimeFault wraps a panic recovered while a store operation was running.
// It marks a programming or runtime fault, as opposed to an operational
// failure such as an I/O error.
type RuntimeFault struct {
	Value any
}

func (f *RuntimeFault) Error() string {
	return fmt.Sprintf("store runtime fault: %v", f.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (f *RuntimeFault) Unwrap() error {
	if err, ok := f.Value.(error); ok {
		return err
	}
	return nil
}

// Guard runs fn and converts a panic into a *RuntimeFault.
func Guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RuntimeFault{Value: r}
		}
	}()
	return fn()
}
