package pkg

import "errors"

var (
	// ErrKeyNotFound is returned when a key doesn't exist or has expired
	ErrKeyNotFound = errors.New("key not found")

	// ErrContextCanceled is returned when the context is canceled
	ErrContextCanceled = errors.New("context canceled")

	// ErrStorageUnavailable is returned when storage is closed
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNodeUnreachable is returned when a remote node did not answer in time
	// or answered with something that could not be decoded
	ErrNodeUnreachable = errors.New("node unreachable")

	// ErrMessageTooLarge is returned when an encoded message exceeds one datagram
	ErrMessageTooLarge = errors.New("message exceeds maximum frame size")

	// ErrMalformedMessage is returned when a datagram cannot be decoded
	ErrMalformedMessage = errors.New("malformed message")

	// ErrProtocolViolation is returned when a response kind does not match the request
	ErrProtocolViolation = errors.New("protocol violation")
)
