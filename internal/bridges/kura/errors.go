package kura

import "errors"

// Domain errors for the Kura bridge package.
var (
	// ErrUnknownDevice is returned when a device id has no session.
	ErrUnknownDevice = errors.New("kura: unknown device")

	// ErrUnknownChannel is returned when a channel is not part of the
	// device's discovered catalogue.
	ErrUnknownChannel = errors.New("kura: unknown channel")

	// ErrChannelNotWritable is returned when a write targets a READ channel.
	ErrChannelNotWritable = errors.New("kura: channel is not writable")

	// ErrWriteRejected is returned when the device acknowledges a write with
	// an error.
	ErrWriteRejected = errors.New("kura: write rejected by device")

	// ErrRequestFailed is returned when a request exhausts its retries
	// without a reply.
	ErrRequestFailed = errors.New("kura: request failed")

	// ErrInvalidTopic is returned when a topic does not have the expected
	// Kura shape.
	ErrInvalidTopic = errors.New("kura: invalid topic")

	// ErrInvalidBody is returned when a reply body cannot be parsed.
	ErrInvalidBody = errors.New("kura: invalid message body")

	// ErrSessionStopped is returned for operations on a stopped session.
	ErrSessionStopped = errors.New("kura: session stopped")
)
