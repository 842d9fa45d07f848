package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/mycosoft/mycobridge/frame"
	"github.com/mycosoft/mycobridge/log2"
	"github.com/mycosoft/mycobridge/mdp"
	"github.com/mycosoft/mycobridge/session"
	"github.com/mycosoft/mycobridge/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wire(t testing.TB, seq uint16, m mdp.Message) []byte {
	payload, err := mdp.Marshal(seq, time.Now().Unix(), m)
	require.NoError(t, err)
	b, err := frame.Encode(payload)
	require.NoError(t, err)
	return b
}

func hello(t testing.TB, deviceID string) []byte {
	return wire(t, 1, &mdp.Event{DeviceID: deviceID, EventType: mdp.EventHello, Severity: mdp.SeverityInfo})
}

func connectDevice(t testing.TB, d *Dispatcher, deviceID string) *transport.Mock {
	mock := transport.NewMock()
	d.Accept(mock)
	mock.FeedBytes(hello(t, deviceID))
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d.Get(deviceID) != nil {
			return mock
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("device %s never connected", deviceID)
	return nil
}

func TestRouteCommandByDevice(t *testing.T) {
	t.Parallel()
	d := New(Options{Log: log2.NewTest(t, log2.LDebug)})
	defer d.Close()
	mock1 := connectDevice(t, d, "mb-1")
	mock2 := connectDevice(t, d, "mb-2")

	rch := make(chan session.Result, 1)
	go func() {
		r, err := d.SendCommand(context.Background(), "mb-2", mdp.CmdSetMosfet,
			map[string]interface{}{"index": 1, "state": true})
		require.NoError(t, err)
		rch <- r
	}()

	// only mb-2's link sees the command
	var cmd *mdp.Command
	select {
	case b := <-mock2.WriteCh():
		dec := frame.NewDecoder()
		dec.Feed(b)
		payload, err := dec.Next()
		require.NoError(t, err)
		env, err := mdp.Parse(payload)
		require.NoError(t, err)
		cmd = env.Msg.(*mdp.Command)
	case <-mock1.WriteCh():
		t.Fatal("command routed to wrong device")
	case <-time.After(5 * time.Second):
		t.Fatal("command never written")
	}
	assert.Equal(t, "mb-2", cmd.DeviceID)
	assert.NotEmpty(t, cmd.CorrelationID)

	mock2.FeedBytes(wire(t, 2, &mdp.Ack{CorrelationID: cmd.CorrelationID, OK: true}))
	r := <-rch
	assert.Equal(t, session.ResultSuccess, r.Code)
}

func TestUnknownDevice(t *testing.T) {
	t.Parallel()
	d := New(Options{Log: log2.NewTest(t, log2.LDebug)})
	defer d.Close()
	_, err := d.SendCommand(context.Background(), "nope", mdp.CmdReset, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrUnknownDevice.Error())
}

func TestCorrelationIDsUnique(t *testing.T) {
	t.Parallel()
	d := New(Options{Log: log2.NewTest(t, log2.LDebug)})
	defer d.Close()
	mock := connectDevice(t, d, "mb-1")

	seen := make(map[string]bool)
	for n := 0; n < 3; n++ {
		rch := make(chan struct{})
		go func() {
			_, err := d.SendCommand(context.Background(), "mb-1", mdp.CmdI2CScan, nil)
			require.NoError(t, err)
			close(rch)
		}()
		b := <-mock.WriteCh()
		dec := frame.NewDecoder()
		dec.Feed(b)
		payload, err := dec.Next()
		require.NoError(t, err)
		env, err := mdp.Parse(payload)
		require.NoError(t, err)
		cmd := env.Msg.(*mdp.Command)
		assert.False(t, seen[cmd.CorrelationID], "correlation id %s reused", cmd.CorrelationID)
		seen[cmd.CorrelationID] = true
		mock.FeedBytes(wire(t, uint16(10+n), &mdp.Ack{CorrelationID: cmd.CorrelationID, OK: true}))
		<-rch
	}
}

func TestReconnectReplacesStaleSession(t *testing.T) {
	t.Parallel()
	d := New(Options{Log: log2.NewTest(t, log2.LDebug)})
	defer d.Close()

	connectDevice(t, d, "mb-1")
	first := d.Get("mb-1")
	require.NotNil(t, first)

	connectDevice(t, d, "mb-1")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s := d.Get("mb-1")
		if s != nil && s != first && first.State() == session.StateDisconnected {
			assert.Equal(t, []string{"mb-1"}, d.Devices())
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("stale session never replaced")
}

func TestTelemetryFlowsToCallback(t *testing.T) {
	t.Parallel()
	tch := make(chan *mdp.Telemetry, 1)
	d := New(Options{
		Log:         log2.NewTest(t, log2.LDebug),
		OnTelemetry: func(tm *mdp.Telemetry) { tch <- tm },
	})
	defer d.Close()
	mock := connectDevice(t, d, "mb-1")

	mock.FeedBytes(wire(t, 5, &mdp.Telemetry{DeviceID: "mb-1", AI2: 2.5}))
	select {
	case tm := <-tch:
		assert.Equal(t, "mb-1", tm.DeviceID)
		assert.Equal(t, 2.5, tm.AI2)
	case <-time.After(5 * time.Second):
		t.Fatal("telemetry not delivered")
	}
}
