// Package session keeps per-device protocol state: handshake, liveness,
// and reliable delivery of at most one command at a time over an
// unreliable link.
//
// State machine:
//
//	Disconnected -open-> Connecting -hello-> Idle <-> AwaitingAck
//	Connected(any) -silence/close-> Disconnected
//
// A second SendCommand while one is in flight is rejected with ErrBusy,
// never queued; callers that want queueing do it themselves.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/mycosoft/mycobridge/frame"
	"github.com/mycosoft/mycobridge/helpers"
	"github.com/mycosoft/mycobridge/log2"
	"github.com/mycosoft/mycobridge/mdp"
	"github.com/mycosoft/mycobridge/transport"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultAckTimeout       = 5 * time.Second
	DefaultMaxRetries       = 3
	DefaultLivenessWindow   = 60 * time.Second

	readBufSize = 512
)

type Config struct {
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration // per-attempt wait before resend
	MaxRetries       int           // resends after the first send
	LivenessWindow   time.Duration
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.LivenessWindow == 0 {
		c.LivenessWindow = DefaultLivenessWindow
	}
}

type Options struct {
	Config
	Log *log2.Log

	// OnTelemetry must not block; hand off to the ingestor is pure
	// computation plus a buffered queue.
	OnTelemetry func(*mdp.Telemetry)
	OnEvent     func(*mdp.Event)
	OnConnect   func(*Session) // after hello, from the session worker
	OnClose     func(*Session)
}

type Stat struct {
	FramesCorrupt uint32
	ParseErrors   uint32
	Telemetry     uint32
	AcksUnmatched uint32
	Retries       uint32
	Commands      uint32
}

type pending struct {
	correlationID string
	commandType   string
	wire          []byte // encoded frame, resent verbatim
	fut           *helpers.Future
	resends       int
}

type Session struct {
	opt   Options
	log   *log2.Log
	alive *alive.Alive
	tr    transport.Transport

	state    uint32
	lastSeen atomic_clock.Clock
	txSeq    uint32

	lk       sync.Mutex
	deviceID string
	pending  *pending

	payloadCh chan []byte
	readErrCh chan error
	cmdCh     chan *pending
	abortCh   chan *pending

	stat Stat
}

// Open starts the session worker on an already-established link.
// DeviceID is learned from the hello event during handshake.
func Open(tr transport.Transport, opt Options) *Session {
	opt.Config.setDefaults()
	s := &Session{
		opt:       opt,
		log:       opt.Log,
		alive:     alive.NewAlive(),
		tr:        tr,
		payloadCh: make(chan []byte, 16),
		readErrCh: make(chan error, 1),
		cmdCh:     make(chan *pending, 1),
		abortCh:   make(chan *pending, 1),
	}
	s.setState(StateConnecting)
	s.lastSeen.SetNow()
	s.alive.Add(1)
	go s.run()
	go s.readLoop()
	return s
}

func (s *Session) DeviceID() string {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.deviceID
}

func (s *Session) State() State { return State(atomic.LoadUint32(&s.state)) }

func (s *Session) LastSeen() time.Duration { return atomic_clock.Since(&s.lastSeen) }

func (s *Session) Stat() Stat {
	return Stat{
		FramesCorrupt: atomic.LoadUint32(&s.stat.FramesCorrupt),
		ParseErrors:   atomic.LoadUint32(&s.stat.ParseErrors),
		Telemetry:     atomic.LoadUint32(&s.stat.Telemetry),
		AcksUnmatched: atomic.LoadUint32(&s.stat.AcksUnmatched),
		Retries:       atomic.LoadUint32(&s.stat.Retries),
		Commands:      atomic.LoadUint32(&s.stat.Commands),
	}
}

// Close tears the session down, resolving any in-flight command as
// Cancelled. Safe to call multiple times, blocks until the worker exits.
func (s *Session) Close() {
	s.alive.Stop()
	_ = s.tr.Close()
	s.alive.Wait()
}

// SendCommand delivers cmd and waits for exactly one terminal result.
// Rejects immediately when disconnected or when another command is in
// flight. ctx cancellation resolves the command as Cancelled locally;
// the device may still execute it.
func (s *Session) SendCommand(ctx context.Context, cmd *mdp.Command) (Result, error) {
	if !s.State().Connected() {
		return Result{}, errors.Annotatef(ErrDisconnected, "device=%s command=%s", cmd.DeviceID, cmd.CommandType)
	}
	seq := uint16(atomic.AddUint32(&s.txSeq, 1))
	payload, err := mdp.Marshal(seq, time.Now().Unix(), cmd)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	wire, err := frame.Encode(payload)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	p := &pending{
		correlationID: cmd.CorrelationID,
		commandType:   cmd.CommandType,
		wire:          wire,
		fut:           helpers.NewFuture(),
	}

	s.lk.Lock()
	if s.pending != nil {
		s.lk.Unlock()
		return Result{}, errors.Annotatef(ErrBusy, "device=%s pending=%s", cmd.DeviceID, s.pending.commandType)
	}
	s.pending = p
	s.lk.Unlock()

	select {
	case s.cmdCh <- p:
	case <-s.alive.StopChan():
		p.fut.Cancel(Result{Code: ResultCancelled, Detail: "session closed"})
		s.dropPending(p)
		return p.fut.Result().(Result), nil
	}
	atomic.AddUint32(&s.stat.Commands, 1)

	select {
	case <-p.fut.Completed():
		return p.fut.Result().(Result), nil
	case <-p.fut.Cancelled():
		return p.fut.Result().(Result), nil
	case <-s.alive.StopChan():
		// the worker can exit between the busy check and the cmdCh
		// handoff, leaving the command parked in the channel buffer
		// with nobody to resolve it
		p.fut.Cancel(Result{Code: ResultCancelled, Detail: "session closed"})
		s.dropPending(p)
		return p.fut.Result().(Result), nil
	case <-ctx.Done():
		if p.fut.Cancel(Result{Code: ResultCancelled, Detail: ctx.Err().Error()}) {
			s.dropPending(p)
			select {
			case s.abortCh <- p:
			default:
			}
		}
		return p.fut.Result().(Result), nil
	}
}

// resolve delivers the terminal result exactly once. The loser of the
// ack/timeout/cancel race becomes a no-op here.
func (s *Session) resolve(p *pending, r Result) bool {
	var won bool
	if r.Code == ResultCancelled {
		won = p.fut.Cancel(r)
	} else {
		won = p.fut.Complete(r)
	}
	s.dropPending(p)
	if won {
		s.log.Debugf("session %s command=%s resolved %s detail=%s attempts=%d",
			s.DeviceID(), p.commandType, r.Code, r.Detail, r.Attempts)
	}
	return won
}

func (s *Session) dropPending(p *pending) {
	s.lk.Lock()
	if s.pending == p {
		s.pending = nil
	}
	s.lk.Unlock()
}

func (s *Session) currentPending() *pending {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.pending
}

func (s *Session) setState(new State) {
	atomic.StoreUint32(&s.state, uint32(new))
}

func (s *Session) run() {
	defer s.alive.Done()
	defer s.shutdown()

	handshake := time.NewTimer(s.opt.HandshakeTimeout)
	defer handshake.Stop()

	livenessTick := s.opt.LivenessWindow / 4
	if livenessTick < 10*time.Millisecond {
		livenessTick = 10 * time.Millisecond
	}
	liveness := time.NewTicker(livenessTick)
	defer liveness.Stop()

	// retry timer is armed only while a command is in flight
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	for s.alive.IsRunning() {
		select {
		case payload := <-s.payloadCh:
			s.onPayload(payload, retry)

		case p := <-s.cmdCh:
			s.startCommand(p, retry)

		case <-s.abortCh:
			// caller cancelled via ctx; stop resending
			if s.currentPending() == nil && s.State() == StateAwaitingAck {
				retry.Stop()
				s.setState(StateIdle)
			}

		case <-retry.C:
			s.onRetryTimeout(retry)

		case <-handshake.C:
			if s.State() == StateConnecting {
				s.log.Infof("session handshake timeout after %s", s.opt.HandshakeTimeout)
				return
			}

		case <-liveness.C:
			if silence := atomic_clock.Since(&s.lastSeen); silence > s.opt.LivenessWindow {
				s.log.Infof("session %s liveness window exceeded silence=%s window=%s",
					s.DeviceID(), silence, s.opt.LivenessWindow)
				return
			}

		case err := <-s.readErrCh:
			s.log.Debugf("session %s read err=%v", s.DeviceID(), err)
			return

		case <-s.alive.StopChan():
			return
		}
	}
}

func (s *Session) shutdown() {
	s.setState(StateDisconnected)
	if p := s.currentPending(); p != nil {
		s.resolve(p, Result{Code: ResultCancelled, Detail: "session closed"})
	}
	_ = s.tr.Close()
	if s.opt.OnClose != nil {
		s.opt.OnClose(s)
	}
	s.alive.Stop()
}

func (s *Session) readLoop() {
	dec := frame.NewDecoder()
	buf := make([]byte, readBufSize)
	for {
		n, err := s.tr.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				payload, derr := dec.Next()
				if derr == nil {
					select {
					case s.payloadCh <- payload:
					case <-s.alive.StopChan():
						return
					}
					continue
				}
				if frame.IsIncomplete(derr) {
					break
				}
				// corrupt frame: count, resync happened inside decoder
				atomic.AddUint32(&s.stat.FramesCorrupt, 1)
				s.log.Debugf("session %s frame discarded: %v", s.DeviceID(), derr)
			}
		}
		if err != nil {
			select {
			case s.readErrCh <- err:
			default:
			}
			return
		}
	}
}

func (s *Session) onPayload(payload []byte, retry *time.Timer) {
	env, err := mdp.Parse(payload)
	if err != nil {
		atomic.AddUint32(&s.stat.ParseErrors, 1)
		s.log.Debugf("session %s parse discard: %v", s.DeviceID(), err)
		return
	}
	s.lastSeen.SetNow()

	switch msg := env.Msg.(type) {
	case *mdp.Event:
		s.onEvent(msg)

	case *mdp.Telemetry:
		msg.Seq = env.Seq
		msg.Time = env.Time
		atomic.AddUint32(&s.stat.Telemetry, 1)
		if s.opt.OnTelemetry != nil {
			s.opt.OnTelemetry(msg)
		}

	case *mdp.Ack:
		s.onAck(msg, retry)

	case *mdp.Command:
		// commands only travel platform -> device
		s.log.Debugf("session %s unexpected command from device type=%s", s.DeviceID(), msg.CommandType)
	}
}

func (s *Session) onEvent(ev *mdp.Event) {
	if ev.EventType == mdp.EventHello {
		s.lk.Lock()
		if s.deviceID == "" {
			s.deviceID = ev.DeviceID
		}
		s.lk.Unlock()
		if s.State() == StateConnecting {
			s.setState(StateIdle)
			s.log.Infof("session %s connected", ev.DeviceID)
			if s.opt.OnConnect != nil {
				s.opt.OnConnect(s)
			}
		}
		return
	}
	if s.opt.OnEvent != nil {
		s.opt.OnEvent(ev)
	}
}

func (s *Session) onAck(ack *mdp.Ack, retry *time.Timer) {
	p := s.currentPending()
	if p == nil || p.correlationID != ack.CorrelationID {
		atomic.AddUint32(&s.stat.AcksUnmatched, 1)
		s.log.Debugf("session %s unmatched ack correlation=%s", s.DeviceID(), ack.CorrelationID)
		return
	}
	retry.Stop()
	code := ResultSuccess
	if !ack.OK {
		code = ResultFailure
	}
	s.resolve(p, Result{Code: code, Detail: ack.Detail, Attempts: p.resends})
	s.setState(StateIdle)
}

func (s *Session) startCommand(p *pending, retry *time.Timer) {
	if s.currentPending() != p {
		// already cancelled by the caller
		return
	}
	if err := s.tr.Write(p.wire); err != nil {
		s.resolve(p, Result{Code: ResultFailure, Detail: err.Error()})
		return
	}
	s.setState(StateAwaitingAck)
	retry.Reset(s.opt.AckTimeout)
}

func (s *Session) onRetryTimeout(retry *time.Timer) {
	p := s.currentPending()
	if p == nil {
		if s.State() == StateAwaitingAck {
			s.setState(StateIdle)
		}
		return
	}
	if p.resends < s.opt.MaxRetries {
		p.resends++
		atomic.AddUint32(&s.stat.Retries, 1)
		s.log.Debugf("session %s resend command=%s attempt=%d/%d",
			s.DeviceID(), p.commandType, p.resends, s.opt.MaxRetries)
		if err := s.tr.Write(p.wire); err != nil {
			s.resolve(p, Result{Code: ResultFailure, Detail: err.Error(), Attempts: p.resends})
			s.setState(StateIdle)
			return
		}
		retry.Reset(s.opt.AckTimeout)
		return
	}
	s.resolve(p, Result{Code: ResultTimeout, Attempts: p.resends})
	s.setState(StateIdle)
}
