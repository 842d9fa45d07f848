package ingest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mycosoft/mycobridge/log2"
	"github.com/mycosoft/mycobridge/mdp"
	"github.com/mycosoft/mycobridge/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/spq"
)

func testIngestor(t testing.TB, cfg Config, s sink.Sink) *Ingestor {
	if cfg.SpillPath == "" {
		cfg.SpillPath = spq.OnlyForTesting
	}
	cfg.RetryMin = time.Millisecond
	cfg.RetryMax = 5 * time.Millisecond
	i, err := New(Options{Config: cfg, Log: log2.NewTest(t, log2.LDebug), Sink: s})
	require.NoError(t, err)
	return i
}

func reading(deviceID string, seq uint16) *mdp.Telemetry {
	return &mdp.Telemetry{DeviceID: deviceID, AI1: 1.5, Seq: seq, Time: time.Now().Unix()}
}

func receiveBatch(t testing.TB, m *sink.Mock) []*mdp.Telemetry {
	select {
	case b := <-m.Batches:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("no batch committed")
		return nil
	}
}

func TestBatchBySize(t *testing.T) {
	t.Parallel()
	m := sink.NewMock()
	i := testIngestor(t, Config{BatchSize: 3, BatchTimeout: time.Minute}, m)
	defer i.Close()

	for seq := uint16(1); seq <= 3; seq++ {
		assert.Equal(t, Accepted, i.Offer(reading("mb-1", seq)))
	}
	batch := receiveBatch(t, m)
	require.Len(t, batch, 3)
	assert.Equal(t, uint16(1), batch[0].Seq)
	assert.Equal(t, uint16(3), batch[2].Seq)
}

func TestBatchByTimeout(t *testing.T) {
	t.Parallel()
	m := sink.NewMock()
	i := testIngestor(t, Config{BatchSize: 100, BatchTimeout: 50 * time.Millisecond}, m)
	defer i.Close()

	i.Offer(reading("mb-1", 1))
	batch := receiveBatch(t, m)
	require.Len(t, batch, 1)
	assert.Equal(t, uint16(1), batch[0].Seq)
}

func TestRegisterOnFirstSight(t *testing.T) {
	t.Parallel()
	m := sink.NewMock()
	i := testIngestor(t, Config{}, m)
	defer i.Close()

	i.Offer(reading("mb-9", 1))
	i.Offer(reading("mb-9", 2))
	select {
	case id := <-m.Registered:
		assert.Equal(t, "mb-9", id)
	case <-time.After(5 * time.Second):
		t.Fatal("device not registered")
	}
	select {
	case id := <-m.Registered:
		t.Fatalf("registered twice: %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDuplicatesNeverBatched(t *testing.T) {
	t.Parallel()
	m := sink.NewMock()
	i := testIngestor(t, Config{BatchSize: 3, BatchTimeout: time.Minute}, m)
	defer i.Close()

	assert.Equal(t, Accepted, i.Offer(reading("mb-1", 41)))
	assert.Equal(t, Accepted, i.Offer(reading("mb-1", 40)))
	assert.Equal(t, Duplicate, i.Offer(reading("mb-1", 41)))
	assert.Equal(t, Accepted, i.Offer(reading("mb-1", 42)))

	batch := receiveBatch(t, m)
	require.Len(t, batch, 3)
	seqs := []uint16{batch[0].Seq, batch[1].Seq, batch[2].Seq}
	assert.Equal(t, []uint16{41, 40, 42}, seqs)
	assert.Equal(t, uint32(1), i.Stat().Duplicates)
}

func TestFlushRetrySucceeds(t *testing.T) {
	t.Parallel()
	m := sink.NewMock()
	m.FailN = 2
	i := testIngestor(t, Config{BatchSize: 1, FlushAttempts: 5}, m)
	defer i.Close()

	i.Offer(reading("mb-1", 1))
	batch := receiveBatch(t, m)
	require.Len(t, batch, 1)
	assert.Equal(t, uint32(2), i.Stat().FlushErrors)
	assert.Equal(t, uint32(0), i.Stat().Spilled)
}

func TestSpillAfterRetryExhaustedThenRecovered(t *testing.T) {
	t.Parallel()
	m := sink.NewMock()
	m.FailN = 2
	i := testIngestor(t, Config{BatchSize: 1, FlushAttempts: 2}, m)
	defer i.Close()

	i.Offer(reading("mb-1", 7))
	// both flush attempts fail, the batch spills, then the spill worker
	// redelivers once the sink recovers
	batch := receiveBatch(t, m)
	require.Len(t, batch, 1)
	assert.Equal(t, "mb-1", batch[0].DeviceID)
	assert.Equal(t, uint16(7), batch[0].Seq)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if i.Stat().Recovered == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	st := i.Stat()
	assert.Equal(t, uint32(1), st.Spilled)
	assert.Equal(t, uint32(1), st.Recovered)
}

func TestCloseDrainsPartialBatch(t *testing.T) {
	t.Parallel()
	m := sink.NewMock()
	i := testIngestor(t, Config{BatchSize: 100, BatchTimeout: time.Minute}, m)

	i.Offer(reading("mb-1", 1))
	i.Offer(reading("mb-1", 2))
	i.Close()
	batch := receiveBatch(t, m)
	assert.Len(t, batch, 2)
}

func TestOfferAfterCloseRejected(t *testing.T) {
	t.Parallel()
	m := sink.NewMock()
	i := testIngestor(t, Config{}, m)
	i.Close()

	assert.Equal(t, Rejected, i.Offer(reading("mb-1", 1)))
	assert.Equal(t, uint32(0), i.Stat().Accepted)
}

func TestConcurrentDevicesNoContention(t *testing.T) {
	t.Parallel()
	m := sink.NewMock()
	i := testIngestor(t, Config{BatchSize: 8, BatchTimeout: time.Minute}, m)

	// 8*32 readings in batches of 8 stays under the mock's buffer
	const devices = 8
	const perDevice = 32
	var wg sync.WaitGroup
	for n := 0; n < devices; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			deviceID := fmt.Sprintf("mb-%d", n)
			for seq := uint16(1); seq <= perDevice; seq++ {
				assert.Equal(t, Accepted, i.Offer(reading(deviceID, seq)))
			}
		}(n)
	}
	wg.Wait()
	i.Close()

	total := 0
	for {
		select {
		case batch := <-m.Batches:
			total += len(batch)
			continue
		default:
		}
		break
	}
	assert.Equal(t, devices*perDevice, total)
	assert.Equal(t, uint32(devices*perDevice), i.Stat().Accepted)
}

func TestEachAcceptedBatchedExactlyOnce(t *testing.T) {
	t.Parallel()
	m := sink.NewMock()
	i := testIngestor(t, Config{BatchSize: 4, BatchTimeout: time.Minute}, m)

	// interleave two devices with replays and reordering
	offers := []struct {
		device string
		seq    uint16
	}{
		{"mb-1", 10}, {"mb-2", 5}, {"mb-1", 11}, {"mb-1", 10},
		{"mb-2", 4}, {"mb-2", 5}, {"mb-1", 9}, {"mb-1", 12},
		{"mb-2", 6}, {"mb-1", 11}, {"mb-2", 7}, {"mb-1", 13},
	}
	accepted := 0
	for _, o := range offers {
		if i.Offer(reading(o.device, o.seq)) == Accepted {
			accepted++
		}
	}
	i.Close()

	seen := make(map[string]int)
	total := 0
	for {
		select {
		case batch := <-m.Batches:
			for _, tm := range batch {
				seen[fmt.Sprintf("%s/%d", tm.DeviceID, tm.Seq)]++
				total++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, accepted, total)
	for k, n := range seen {
		assert.Equal(t, 1, n, "reading %q batched %d times", k, n)
	}
}
