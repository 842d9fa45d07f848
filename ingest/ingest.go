// Package ingest funnels telemetry from all device sessions into the
// downstream sink: dedup per device, batch by size or age, deliver with
// bounded retry, spill what could not be delivered to a persistent
// queue so nothing is silently dropped.
package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/mycosoft/mycobridge/helpers"
	"github.com/mycosoft/mycobridge/log2"
	"github.com/mycosoft/mycobridge/mdp"
	"github.com/mycosoft/mycobridge/sink"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/spq"
)

const (
	DefaultBatchSize     = 16
	DefaultBatchTimeout  = 5 * time.Second
	DefaultFlushAttempts = 5
	DefaultRetryMin      = 100 * time.Millisecond
	DefaultRetryMax      = 10 * time.Second
)

type Config struct {
	BatchSize     int
	BatchTimeout  time.Duration
	DedupWindow   int
	FlushAttempts int // commit tries per batch before spilling
	RetryMin      time.Duration
	RetryMax      time.Duration
	SpillPath     string // spq.OnlyForTesting keeps it in memory
}

func (c *Config) setDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = DefaultBatchTimeout
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.FlushAttempts == 0 {
		c.FlushAttempts = DefaultFlushAttempts
	}
	if c.RetryMin == 0 {
		c.RetryMin = DefaultRetryMin
	}
	if c.RetryMax == 0 {
		c.RetryMax = DefaultRetryMax
	}
}

type Options struct {
	Config
	Log  *log2.Log
	Sink sink.Sink
}

type Stat struct {
	Accepted    uint32
	Duplicates  uint32
	Batches     uint32
	Flushes     uint32
	FlushErrors uint32
	Spilled     uint32
	Recovered   uint32
}

// Ingestor contract:
// - Offer blocks only for in-memory bookkeeping, never on the sink
// - every accepted reading ends up in exactly one batch
// - batches flush in arrival order; a batch that exhausts its retries
//   is spilled to disk and redelivered later, out of order
// - Close drains the in-memory queue before returning
type Ingestor struct {
	opt   Options
	log   *log2.Log
	alive *alive.Alive
	q     *spq.Queue

	devicesLk sync.RWMutex
	devices   map[string]*dedup

	batchLk   sync.Mutex
	batch     []*mdp.Telemetry
	batchBorn atomic_clock.Clock

	queueLk sync.Mutex
	queue   [][]*mdp.Telemetry
	queueCh chan struct{}

	regCh       chan string
	flushDoneCh chan struct{}

	stat Stat
}

func New(opt Options) (*Ingestor, error) {
	opt.Config.setDefaults()
	if opt.Sink == nil {
		return nil, errors.NotValidf("ingest sink nil")
	}
	if opt.SpillPath == "" {
		return nil, errors.NotValidf("ingest spill path empty")
	}
	i := &Ingestor{
		opt:         opt,
		log:         opt.Log,
		alive:       alive.NewAlive(),
		devices:     make(map[string]*dedup),
		queueCh:     make(chan struct{}, 1),
		regCh:       make(chan string, 64),
		flushDoneCh: make(chan struct{}),
	}
	var err error
	if i.q, err = spq.Open(opt.SpillPath); err != nil {
		return nil, errors.Annotate(err, "ingest spill queue")
	}
	i.alive.Add(2)
	go i.flushWorker()
	go i.spillWorker()
	return i, nil
}

// Offer hands one reading to the ingestor. Pure computation plus a
// buffered queue, safe to call from session callbacks. Dedup state is
// locked per device, concurrent devices never contend; only the batch
// append shares a lock. After Close, offers are rejected, not lost.
func (i *Ingestor) Offer(tm *mdp.Telemetry) Outcome {
	if !i.alive.IsRunning() {
		i.log.Errorf("ingest offer after close device=%s seq=%d", tm.DeviceID, tm.Seq)
		return Rejected
	}

	i.devicesLk.RLock()
	d := i.devices[tm.DeviceID]
	i.devicesLk.RUnlock()
	if d == nil {
		i.devicesLk.Lock()
		if d = i.devices[tm.DeviceID]; d == nil {
			d = newDedup(i.opt.DedupWindow)
			i.devices[tm.DeviceID] = d
			select {
			case i.regCh <- tm.DeviceID:
			default:
				i.log.Errorf("ingest registration queue full device=%s", tm.DeviceID)
			}
		}
		i.devicesLk.Unlock()
	}

	d.lk.Lock()
	out := d.offer(tm.Seq)
	d.lk.Unlock()
	if out != Accepted {
		atomic.AddUint32(&i.stat.Duplicates, 1)
		i.log.Debugf("ingest duplicate device=%s seq=%d", tm.DeviceID, tm.Seq)
		return out
	}

	i.batchLk.Lock()
	if !i.alive.IsRunning() {
		// raced with Close past the gate above; Close already swept the
		// batch, so taking the reading now would lose it silently
		i.batchLk.Unlock()
		i.log.Errorf("ingest offer after close device=%s seq=%d", tm.DeviceID, tm.Seq)
		return Rejected
	}
	if len(i.batch) == 0 {
		i.batchBorn.SetNow()
	}
	i.batch = append(i.batch, tm)
	if len(i.batch) >= i.opt.BatchSize {
		i.enqueueLocked()
	}
	i.batchLk.Unlock()
	atomic.AddUint32(&i.stat.Accepted, 1)
	return out
}

func (i *Ingestor) Stat() Stat {
	return Stat{
		Accepted:    atomic.LoadUint32(&i.stat.Accepted),
		Duplicates:  atomic.LoadUint32(&i.stat.Duplicates),
		Batches:     atomic.LoadUint32(&i.stat.Batches),
		Flushes:     atomic.LoadUint32(&i.stat.Flushes),
		FlushErrors: atomic.LoadUint32(&i.stat.FlushErrors),
		Spilled:     atomic.LoadUint32(&i.stat.Spilled),
		Recovered:   atomic.LoadUint32(&i.stat.Recovered),
	}
}

// Close stops taking offers, drains the partial batch and the queue,
// then stops the workers. Blocks until done. Readings that raced past
// the offer gate are swept here, one commit try each, spill the rest.
func (i *Ingestor) Close() {
	i.alive.Stop()
	<-i.flushDoneCh
	i.batchLk.Lock()
	i.enqueueLocked()
	i.batchLk.Unlock()
	for _, batch := range i.dequeue() {
		i.commitOrSpill(batch)
	}
	_ = i.q.Close()
	i.alive.Wait()
}

// caller holds batchLk
func (i *Ingestor) enqueueLocked() {
	if len(i.batch) == 0 {
		return
	}
	batch := i.batch
	i.batch = nil
	atomic.AddUint32(&i.stat.Batches, 1)
	i.queueLk.Lock()
	i.queue = append(i.queue, batch)
	i.queueLk.Unlock()
	select {
	case i.queueCh <- struct{}{}:
	default:
	}
}

func (i *Ingestor) dequeue() [][]*mdp.Telemetry {
	i.queueLk.Lock()
	batches := i.queue
	i.queue = nil
	i.queueLk.Unlock()
	return batches
}

func (i *Ingestor) flushWorker() {
	defer i.alive.Done()
	defer close(i.flushDoneCh)

	tick := i.opt.BatchTimeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	age := time.NewTicker(tick)
	defer age.Stop()

	for {
		select {
		case deviceID := <-i.regCh:
			i.register(deviceID)

		case <-i.queueCh:
			for _, batch := range i.dequeue() {
				i.flush(batch)
			}

		case <-age.C:
			helpers.WithLock(&i.batchLk, func() {
				if len(i.batch) > 0 && atomic_clock.Since(&i.batchBorn) >= i.opt.BatchTimeout {
					i.enqueueLocked()
				}
			})

		case <-i.alive.StopChan():
			// final drain: one commit try per batch, spill the rest;
			// Close sweeps anything enqueued after this
			for _, batch := range i.dequeue() {
				i.commitOrSpill(batch)
			}
			return
		}
	}
}

func (i *Ingestor) commitOrSpill(batch []*mdp.Telemetry) {
	if err := i.opt.Sink.Commit(context.Background(), batch); err != nil {
		atomic.AddUint32(&i.stat.FlushErrors, 1)
		i.spill(batch)
		return
	}
	atomic.AddUint32(&i.stat.Flushes, 1)
}

func (i *Ingestor) register(deviceID string) {
	if err := i.opt.Sink.RegisterDevice(context.Background(), deviceID); err != nil {
		i.log.Errorf("ingest register device=%s err=%v", deviceID, err)
		return
	}
	i.log.Infof("ingest device=%s registered", deviceID)
}

// flush delivers one batch with bounded backoff, spilling after the
// last attempt fails. Order within the in-memory queue is preserved
// because flushes run on the single worker goroutine.
func (i *Ingestor) flush(batch []*mdp.Telemetry) {
	b := helpers.Backoff{Min: i.opt.RetryMin, Max: i.opt.RetryMax, K: 2}
	for attempt := 1; ; attempt++ {
		err := i.opt.Sink.Commit(context.Background(), batch)
		if err == nil {
			atomic.AddUint32(&i.stat.Flushes, 1)
			return
		}
		atomic.AddUint32(&i.stat.FlushErrors, 1)
		i.log.Errorf("ingest flush attempt=%d/%d size=%d err=%v", attempt, i.opt.FlushAttempts, len(batch), err)
		if attempt >= i.opt.FlushAttempts {
			i.spill(batch)
			return
		}
		select {
		case <-time.After(b.DelayAfter(false)):
		case <-i.alive.StopChan():
			i.spill(batch)
			return
		}
	}
}

func (i *Ingestor) spill(batch []*mdp.Telemetry) {
	b, err := json.Marshal(batch)
	if err != nil {
		// retry will not help
		i.log.Errorf("CRITICAL ingest spill marshal err=%v", err)
		return
	}
	if err = i.q.Push(b); err != nil {
		i.log.Errorf("CRITICAL ingest spill push err=%v", err)
		return
	}
	atomic.AddUint32(&i.stat.Spilled, 1)
	i.log.Infof("ingest batch spilled size=%d", len(batch))
}

// spillWorker redelivers spilled batches, including ones left over from
// a previous run. Redelivery order is queue order, interleaved with but
// not ordered against fresh flushes.
func (i *Ingestor) spillWorker() {
	defer i.alive.Done()
	b := helpers.Backoff{Min: i.opt.RetryMin, Max: i.opt.RetryMax, K: 2}
	for {
		box, err := i.q.Peek()
		switch err {
		case nil:
			var batch []*mdp.Telemetry
			if err = json.Unmarshal(box.Bytes(), &batch); err != nil {
				i.log.Errorf("CRITICAL ingest spill decode b=%x err=%v", box.Bytes(), err)
				_ = i.q.Delete(box)
				continue
			}
			if err = i.opt.Sink.Commit(context.Background(), batch); err != nil {
				i.log.Errorf("ingest spill redeliver size=%d err=%v", len(batch), err)
				if err = i.q.DeletePush(box); err != nil && err != spq.ErrClosed {
					i.log.Errorf("CRITICAL ingest spill requeue err=%v", err)
				}
				time.Sleep(b.DelayAfter(false))
				continue
			}
			b.Reset()
			atomic.AddUint32(&i.stat.Recovered, 1)
			if err = i.q.Delete(box); err != nil && err != spq.ErrClosed {
				i.log.Errorf("CRITICAL ingest spill delete err=%v", err)
			}

		case spq.ErrClosed:
			return

		default:
			i.log.Errorf("CRITICAL ingest spill err=%v", err)
			time.Sleep(time.Second)
		}
	}
}
