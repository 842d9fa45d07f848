package sink

import (
	"context"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/mycosoft/mycobridge/mdp"
)

// Mock records everything committed to it. FailN>0 makes the next N
// Commit calls fail, to exercise retry and spill paths in tests.
type Mock struct {
	Batches    chan []*mdp.Telemetry
	Registered chan string
	FailN      int32
}

func NewMock() *Mock {
	return &Mock{
		Batches:    make(chan []*mdp.Telemetry, 64),
		Registered: make(chan string, 64),
	}
}

func (m *Mock) RegisterDevice(_ context.Context, deviceID string) error {
	m.Registered <- deviceID
	return nil
}

func (m *Mock) Commit(_ context.Context, batch []*mdp.Telemetry) error {
	if atomic.AddInt32(&m.FailN, -1) >= 0 {
		return errMockCommit
	}
	m.Batches <- batch
	return nil
}

func (m *Mock) Close() {}

var errMockCommit = errors.New("mock sink commit refused")
