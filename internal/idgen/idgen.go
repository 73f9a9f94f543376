// Package idgen provides monotonic time and unique identifier generation,
// the Clock & IDs leaf that every other component is built on.
package idgen

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time.Now so tests can inject deterministic time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall-clock implementation.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Generator abstracts unique identifier generation for frames, streams,
// sessions, and observations.
type Generator interface {
	NewSessionID() string
	NewStreamID() string
	NewRequestID() string
	NewObservationID() string
	NewNonce() string
}

// UUIDGenerator generates RFC 4122 v4 identifiers, prefixed by kind so
// log lines are self-describing without a schema lookup.
type UUIDGenerator struct{}

// NewUUIDGenerator returns the default, production identifier generator.
func NewUUIDGenerator() *UUIDGenerator { return &UUIDGenerator{} }

func (g *UUIDGenerator) NewSessionID() string     { return "sess_" + uuid.NewString() }
func (g *UUIDGenerator) NewStreamID() string      { return "strm_" + uuid.NewString() }
func (g *UUIDGenerator) NewRequestID() string     { return "req_" + uuid.NewString() }
func (g *UUIDGenerator) NewObservationID() string { return "obs_" + uuid.NewString() }
func (g *UUIDGenerator) NewNonce() string         { return uuid.NewString() }
