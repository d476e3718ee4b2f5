package storage

import "github.com/pkg/errors"

// ErrNotFound is returned by RunnerStorage operations that target a runner
// or lease row that doesn't exist.
var ErrNotFound = errors.New("storage: not found")

// errMalformedEnvelope is returned when SaveEnvelope is given something
// other than an AckChunk or Interrupt.
var errMalformedEnvelope = errors.New("storage: envelope is not an AckChunk or Interrupt")
