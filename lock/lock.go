// Package lock provides the scoped mutual-exclusion guard protecting event
// console state that is shared between ingestion goroutines and periodic
// maintenance.
package lock

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/eventconsole/ecsyslog/logging"
)

// Guard is a named mutex. Every acquisition and release is traced at debug
// level together with the execution unit requesting it, so contention can
// be diagnosed from the logs.
type Guard struct {
	name   string
	mu     sync.Mutex
	logger zerolog.Logger
}

// New returns an unlocked Guard.
func New(name string) *Guard {
	return &Guard{
		name:   name,
		logger: logging.Component("lock").With().Str("guard", name).Logger(),
	}
}

// Name returns the name the guard was created with.
func (g *Guard) Name() string { return g.name }

// Enter blocks until the guard is held by unit and returns the function
// releasing it. Calling release more than once has no further effect.
func (g *Guard) Enter(unit string) (release func()) {
	return g.EnterKey(unit, "")
}

// EnterKey is Enter for a unit working on behalf of key, such as a source
// address. A non-empty key is added to the trace records.
func (g *Guard) EnterKey(unit, key string) (release func()) {
	g.trace(unit, key).Msg("trying to acquire lock")
	g.mu.Lock()
	g.trace(unit, key).Msg("acquired lock")

	var once sync.Once
	return func() {
		once.Do(func() {
			g.trace(unit, key).Msg("releasing lock")
			g.mu.Unlock()
		})
	}
}

func (g *Guard) trace(unit, key string) *zerolog.Event {
	ev := g.logger.Debug().Str("unit", unit)
	if key != "" {
		ev = ev.Str("key", key)
	}
	return ev
}

// Do runs fn while holding the guard. The guard is released however fn
// exits; its error is returned and a panic keeps propagating.
func (g *Guard) Do(unit string, fn func() error) error {
	release := g.Enter(unit)
	defer release()
	return fn()
}
