// Package repository holds the storage errors shared by every backend.
package repository

import "errors"

var (
	ErrNotFound    = errors.New("record not found")
	ErrAlreadyUsed = errors.New("record already used")
)
