// Package dispatch is the caller-facing face of the bridge: it owns
// every live session, indexes them by device id once the device says
// hello, and routes commands to the right link.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/mycosoft/mycobridge/helpers"
	"github.com/mycosoft/mycobridge/log2"
	"github.com/mycosoft/mycobridge/mdp"
	"github.com/mycosoft/mycobridge/session"
	"github.com/mycosoft/mycobridge/transport"
)

var ErrUnknownDevice = errors.New("unknown device")

type Options struct {
	Session session.Config
	Log     *log2.Log

	OnTelemetry func(*mdp.Telemetry)
	OnEvent     func(*mdp.Event)
}

type Stat struct {
	Links     uint32
	Connected uint32
	Commands  uint32
}

type Dispatcher struct {
	opt Options
	log *log2.Log

	lk        sync.Mutex
	byDevice  map[string]*session.Session
	anonymous map[*session.Session]struct{}

	corrSeq uint64
	stat    Stat
}

func New(opt Options) *Dispatcher {
	return &Dispatcher{
		opt:       opt,
		log:       opt.Log,
		byDevice:  make(map[string]*session.Session),
		anonymous: make(map[*session.Session]struct{}),
	}
}

// Accept takes ownership of a freshly established link. The session
// stays anonymous until the device's hello names it.
func (d *Dispatcher) Accept(tr transport.Transport) *session.Session {
	s := session.Open(tr, session.Options{
		Config:      d.opt.Session,
		Log:         d.log,
		OnTelemetry: d.opt.OnTelemetry,
		OnEvent:     d.opt.OnEvent,
		OnConnect:   d.onConnect,
		OnClose:     d.onClose,
	})
	d.lk.Lock()
	d.anonymous[s] = struct{}{}
	d.lk.Unlock()
	atomic.AddUint32(&d.stat.Links, 1)
	return s
}

// SendCommand routes one command to deviceID and waits for its terminal
// result. Correlation ids are assigned here, callers never invent them.
func (d *Dispatcher) SendCommand(ctx context.Context, deviceID string, commandType string, params map[string]interface{}) (session.Result, error) {
	d.lk.Lock()
	s := d.byDevice[deviceID]
	d.lk.Unlock()
	if s == nil {
		return session.Result{}, errors.Annotatef(ErrUnknownDevice, "device=%s", deviceID)
	}
	cmd := &mdp.Command{
		DeviceID:      deviceID,
		CommandType:   commandType,
		Parameters:    params,
		CorrelationID: fmt.Sprintf("c-%d", atomic.AddUint64(&d.corrSeq, 1)),
	}
	atomic.AddUint32(&d.stat.Commands, 1)
	return s.SendCommand(ctx, cmd)
}

func (d *Dispatcher) Devices() []string {
	d.lk.Lock()
	defer d.lk.Unlock()
	ids := make([]string, 0, len(d.byDevice))
	for id := range d.byDevice {
		ids = append(ids, id)
	}
	return ids
}

func (d *Dispatcher) Get(deviceID string) *session.Session {
	d.lk.Lock()
	defer d.lk.Unlock()
	return d.byDevice[deviceID]
}

func (d *Dispatcher) Stat() Stat {
	return Stat{
		Links:     atomic.LoadUint32(&d.stat.Links),
		Connected: atomic.LoadUint32(&d.stat.Connected),
		Commands:  atomic.LoadUint32(&d.stat.Commands),
	}
}

// Close tears down every session, connected or not.
func (d *Dispatcher) Close() {
	d.lk.Lock()
	all := make([]*session.Session, 0, len(d.byDevice)+len(d.anonymous))
	for _, s := range d.byDevice {
		all = append(all, s)
	}
	for s := range d.anonymous {
		all = append(all, s)
	}
	d.lk.Unlock()
	for _, s := range all {
		s.Close()
	}
}

// onConnect runs on the session worker after hello. A reconnecting
// device replaces its stale session.
func (d *Dispatcher) onConnect(s *session.Session) {
	deviceID := s.DeviceID()
	d.lk.Lock()
	delete(d.anonymous, s)
	old := d.byDevice[deviceID]
	d.byDevice[deviceID] = s
	d.lk.Unlock()
	atomic.AddUint32(&d.stat.Connected, 1)
	d.log.Infof("dispatch device=%s connected", deviceID)
	if old != nil && old != s {
		d.log.Infof("dispatch device=%s reconnect, closing stale session", deviceID)
		old.Close()
	}
}

func (d *Dispatcher) onClose(s *session.Session) {
	deviceID := s.DeviceID()
	helpers.WithLock(&d.lk, func() {
		delete(d.anonymous, s)
		if d.byDevice[deviceID] == s {
			delete(d.byDevice, deviceID)
		}
	})
	if deviceID != "" {
		d.log.Infof("dispatch device=%s closed", deviceID)
	}
}
