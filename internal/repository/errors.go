// Package repository implements the MySQL stores behind the booking
// services. Sentinel errors let the service layer tell a missing row from a
// database failure without inspecting driver errors.
package repository

import "errors"

// ErrNotFound is returned when a lookup by primary key matches no row.
// Callers translate it into the domain-specific not-found error.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert collides with a unique key, such as
// attaching the same seat to a reservation twice.
var ErrConflict = errors.New("conflict")
