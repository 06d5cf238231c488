package utils

import "errors"

var (
	// ErrNotFound covers unknown product/order/allocation references.
	ErrNotFound = errors.New("record not found")

	// ErrInsufficientBalance is a validate precondition failure. It is always
	// recoverable by the caller choosing a smaller quantity.
	ErrInsufficientBalance = errors.New("requested quantity exceeds available balance")

	// ErrInconsistentUnification is a data-integrity error: a product code
	// appears in conflicting unification clusters. Logged and surfaced,
	// never auto-corrected.
	ErrInconsistentUnification = errors.New("product code belongs to conflicting unification clusters")

	// ErrStaleSnapshot means a provisional allocation's stored hash of its
	// originating backlog line no longer matches. Logged as a warning;
	// processing continues because operational fields are independent of
	// line content.
	ErrStaleSnapshot = errors.New("backlog line changed since allocation snapshot")
)
