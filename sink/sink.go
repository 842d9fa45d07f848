// Package sink is the downstream side of the bridge: accepted telemetry
// batches and device registrations go here, toward the orchestration
// platform.
package sink

import (
	"context"

	"github.com/mycosoft/mycobridge/mdp"
)

// Sink contract:
// - RegisterDevice is called once per device, on first sight
// - Commit accepts one batch in arrival order; an error means the whole
//   batch was not accepted and the caller will retry or spill it
// - neither call is required to be fast, the ingestor retries with backoff
type Sink interface {
	RegisterDevice(ctx context.Context, deviceID string) error
	Commit(ctx context.Context, batch []*mdp.Telemetry) error
	Close()
}

// Noop swallows everything. Useful when running the bridge without a
// platform attached.
type Noop struct{}

func (Noop) RegisterDevice(context.Context, string) error { return nil }

func (Noop) Commit(context.Context, []*mdp.Telemetry) error { return nil }

func (Noop) Close() {}
