// Package mapping publishes the route from a session's remote display
// endpoints (<session>_<port>) to the node hosting them.
package mapping

import (
	"context"
	"errors"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// Publisher adds and removes session routes. Both operations are idempotent.
type Publisher interface {
	AddMapping(ctx context.Context, sessionID, node string, ports []int) error
	RemoveMapping(ctx context.Context, sessionID string) error
}

// Endpoint is the proxy key for one port of a session
func Endpoint(sessionID string, port int) string {
	return sessionID + "_" + strconv.Itoa(port)
}

// Nop discards mappings
type Nop struct{}

func (Nop) AddMapping(ctx context.Context, sessionID, node string, ports []int) error { return nil }

func (Nop) RemoveMapping(ctx context.Context, sessionID string) error { return nil }

// Multi fans out to every publisher and joins their errors
type Multi []Publisher

func (m Multi) AddMapping(ctx context.Context, sessionID, node string, ports []int) error {
	var errs []error
	for _, p := range m {
		if err := p.AddMapping(ctx, sessionID, node, ports); err != nil {
			log.WithError(err).WithField("session", sessionID).Warn("mapping publisher failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) RemoveMapping(ctx context.Context, sessionID string) error {
	var errs []error
	for _, p := range m {
		if err := p.RemoveMapping(ctx, sessionID); err != nil {
			log.WithError(err).WithField("session", sessionID).Warn("mapping publisher failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Publisher = Nop{}
	_ Publisher = Multi(nil)
)
