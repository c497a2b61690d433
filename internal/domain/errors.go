package domain

import "errors"

var (
	// ErrMalformedEvent is returned when a decoded protocol event is missing a required field
	ErrMalformedEvent = errors.New("malformed protocol event")

	// ErrUnknownMarket is returned when a log originates from a contract outside the registry
	ErrUnknownMarket = errors.New("unknown market contract")

	// ErrUnknownEventKind is returned when an event kind is not one of the six tracked kinds
	ErrUnknownEventKind = errors.New("unknown event kind")
)
