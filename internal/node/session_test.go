package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/solarvalve/log2"
	"github.com/temoto/solarvalve/radio"
	"github.com/temoto/solarvalve/radio/loopback"
	"github.com/temoto/solarvalve/tele"
)

// fakeHub serves raw payloads, one per read, then end marker.
type fakeHub struct {
	sync.Mutex
	queue [][]byte
	reads int
}

func (h *fakeHub) onRead() ([]byte, error) {
	h.Lock()
	defer h.Unlock()
	h.reads++
	if len(h.queue) == 0 {
		return tele.MarshalCommand(tele.CommandEOF)
	}
	b := h.queue[0]
	h.queue = h.queue[1:]
	return b, nil
}

func (h *fakeHub) left() int {
	h.Lock()
	defer h.Unlock()
	return len(h.queue)
}

func (h *fakeHub) serve(ctx context.Context, r radio.Peripheral, char radio.Advertisement) {
	adv := char
	if adv.OnRead == nil {
		adv.OnRead = h.onRead
	}
	go func() {
		conn, err := r.Advertise(ctx, adv)
		if err != nil {
			return
		}
		select {
		case <-conn.Disconnected():
		case <-ctx.Done():
		}
	}()
}

func commandAdvert() radio.Advertisement {
	return radio.Advertisement{Name: radio.HubName, Service: radio.CommandService, Char: radio.CommandChar}
}

func mustCommand(t testing.TB, c tele.Command) []byte {
	b, err := tele.MarshalCommand(c)
	require.NoError(t, err)
	return b
}

func testCommandConfig() CommandConfig {
	return CommandConfig{HubName: radio.HubName, ScanTimeout: 2 * time.Second, ConnectTimeout: time.Second}
}

func TestDrain(t *testing.T) {
	t.Parallel()

	a := tele.Command{Type: "a", Value: "1"}
	b := tele.Command{Type: "b", Value: "2"}
	cases := []struct {
		name        string
		queue       [][]byte
		expect      []tele.Command
		expectReads int
	}{
		{"empty", nil, []tele.Command{}, 1},
		{"ordered", [][]byte{mustCommand(t, a), mustCommand(t, b)}, []tele.Command{a, b}, 3},
		{"drop-garbage", [][]byte{[]byte("{oops"), mustCommand(t, b)}, []tele.Command{b}, 3},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			air := loopback.NewAir()
			hub := &fakeHub{queue: c.queue}
			hub.serve(ctx, air.Radio("hub"), commandAdvert())

			s := NewCommandSession(air.Radio("node"), testCommandConfig(), log2.NewTest(t, log2.LDebug))
			handled := []tele.Command{}
			cmds, state, err := s.Drain(ctx, func(cmd tele.Command) { handled = append(handled, cmd) })
			require.NoError(t, err)
			assert.Equal(t, CommandDone, state)
			assert.Equal(t, c.expect, cmds)
			assert.Equal(t, c.expect, handled)
			assert.Equal(t, 0, hub.left())
			assert.Equal(t, c.expectReads, hub.reads)
			assert.Equal(t, []CommandState{CommandIdle, CommandScanning, CommandFound, CommandConnecting,
				CommandServiceDiscovery, CommandDraining, CommandDone}, s.History())
		})
	}
}

func TestDrainZeroConfig(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	air := loopback.NewAir()
	a := tele.Command{Type: "a", Value: "1"}
	hub := &fakeHub{queue: [][]byte{mustCommand(t, a)}}
	hub.serve(ctx, air.Radio("hub"), commandAdvert())

	s := NewCommandSession(air.Radio("node"), CommandConfig{}, log2.NewTest(t, log2.LDebug))
	assert.Equal(t, CommandConfig{
		HubName:        radio.HubName,
		ScanTimeout:    DefaultScanTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		DrainLimit:     DefaultDrainLimit,
	}, s.config)
	cmds, state, err := s.Drain(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, CommandDone, state)
	assert.Equal(t, []tele.Command{a}, cmds)
}

func TestDrainValueTypes(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	air := loopback.NewAir()
	hub := &fakeHub{queue: [][]byte{[]byte(`{"type":"deepsleep_duration","value":45}`)}}
	hub.serve(ctx, air.Radio("hub"), commandAdvert())

	s := NewCommandSession(air.Radio("node"), testCommandConfig(), log2.NewTest(t, log2.LDebug))
	cmds, _, err := s.Drain(ctx, nil)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	f, err := cmds[0].Number()
	require.NoError(t, err)
	assert.Equal(t, 45.0, f)
}

func TestDrainScanExhausted(t *testing.T) {
	t.Parallel()
	air := loopback.NewAir()
	config := testCommandConfig()
	config.ScanTimeout = 20 * time.Millisecond
	s := NewCommandSession(air.Radio("node"), config, log2.NewTest(t, log2.LDebug))
	cmds, state, err := s.Drain(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, CommandScanExhausted, state)
	assert.Len(t, cmds, 0)
}

func TestDrainAborted(t *testing.T) {
	t.Parallel()

	a := tele.Command{Type: "a", Value: "1"}
	cases := []struct {
		name         string
		advert       radio.Advertisement
		connectErr   error
		expectCmds   int
		expectErr    func(error) bool
		expectLast   CommandState
		expectBefore CommandState
	}{
		{"no-endpoint",
			radio.Advertisement{Name: radio.HubName, Service: radio.CommandService, Char: radio.TelemetryChar},
			nil, 0, errors.IsNotFound, CommandAborted, CommandServiceDiscovery},
		{"connect",
			commandAdvert(),
			errors.New("link lost"), 0, func(error) bool { return true }, CommandAborted, CommandConnecting},
		{"read-error",
			radio.Advertisement{Name: radio.HubName, Service: radio.CommandService, Char: radio.CommandChar,
				OnRead: func() func() ([]byte, error) {
					n := 0
					return func() ([]byte, error) {
						n++
						if n == 1 {
							return tele.MarshalCommand(a)
						}
						return nil, radio.ErrDisconnected
					}
				}()},
			nil, 1, func(err error) bool { return errors.Cause(err) == radio.ErrDisconnected }, CommandAborted, CommandDraining},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			air := loopback.NewAir()
			if c.connectErr != nil {
				air.ConnectHook = func(radio.Device) error { return c.connectErr }
			}
			hub := &fakeHub{}
			hub.serve(ctx, air.Radio("hub"), c.advert)

			s := NewCommandSession(air.Radio("node"), testCommandConfig(), log2.NewTest(t, log2.LDebug))
			cmds, state, err := s.Drain(ctx, nil)
			require.Error(t, err)
			assert.True(t, c.expectErr(err), errors.ErrorStack(err))
			assert.Equal(t, c.expectLast, state)
			assert.Len(t, cmds, c.expectCmds)
			h := s.History()
			assert.Equal(t, c.expectBefore, h[len(h)-2])
		})
	}
}

func TestDrainLimit(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	air := loopback.NewAir()
	endless := commandAdvert()
	endless.OnRead = func() ([]byte, error) { return []byte(`{"type":"noop","value":1}`), nil }
	(&fakeHub{}).serve(ctx, air.Radio("hub"), endless)

	config := testCommandConfig()
	config.DrainLimit = 3
	s := NewCommandSession(air.Radio("node"), config, log2.NewTest(t, log2.LDebug))
	cmds, state, err := s.Drain(ctx, nil)
	assert.Error(t, err)
	assert.Equal(t, CommandAborted, state)
	assert.Len(t, cmds, 3)
}

// readTelemetry plays hub discovery: scan, connect, read, disconnect.
func readTelemetry(ctx context.Context, r radio.Central) ([]byte, error) {
	d, err := r.Scan(ctx, radio.MatchNameOrService(radio.NodeName, radio.TelemetryService))
	if err != nil {
		return nil, err
	}
	conn, err := r.Connect(ctx, d)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	ch, err := conn.Characteristic(ctx, radio.TelemetryService, radio.TelemetryChar)
	if err != nil {
		return nil, err
	}
	return ch.Read(ctx)
}

func TestPublishAcknowledged(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	air := loopback.NewAir()
	got := make(chan []byte, 1)
	go func() {
		b, err := readTelemetry(ctx, air.Radio("hub"))
		if err == nil {
			got <- b
		}
	}()

	r := tele.Reading{Solar: tele.Temp(21.5), Tank: tele.Temp(30), FaucetClosed: true, Timestamp: 1000}
	s := NewTelemetrySession(air.Radio("node"), radio.NodeName, log2.NewTest(t, log2.LDebug))
	state, err := s.Publish(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, TelemetryAcknowledged, state)
	assert.Equal(t, []TelemetryState{TelemetryIdle, TelemetryAdvertising, TelemetryConnected,
		TelemetryPublishing, TelemetryAwaitingAck, TelemetryAcknowledged}, s.History())

	r2, err := tele.ParseReading(<-got)
	require.NoError(t, err)
	assert.Equal(t, r, r2)

	_, err = s.Publish(ctx, r)
	assert.Error(t, err, "session must not be reused")
}

func TestPublishTimedOut(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s := NewTelemetrySession(loopback.NewAir().Radio("node"), radio.NodeName, log2.NewTest(t, log2.LDebug))
	state, err := s.Publish(ctx, tele.Reading{Timestamp: 1})
	require.NoError(t, err)
	assert.Equal(t, TelemetryTimedOut, state)
}

type brokenPeripheral struct{ err error }

func (b brokenPeripheral) Advertise(context.Context, radio.Advertisement) (radio.PeripheralConn, error) {
	return nil, b.err
}

func TestPublishFailed(t *testing.T) {
	t.Parallel()
	s := NewTelemetrySession(brokenPeripheral{errors.New("adapter down")}, radio.NodeName, log2.NewTest(t, log2.LDebug))
	state, err := s.Publish(context.Background(), tele.Reading{Timestamp: 1})
	assert.EqualError(t, err, "telemetry advertise: adapter down")
	assert.Equal(t, TelemetryFailed, state)
}

func TestStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "awaiting_ack", TelemetryAwaitingAck.String())
	assert.Equal(t, "scan_exhausted", CommandScanExhausted.String())
	assert.Equal(t, "CommandState(42)", CommandState(42).String())
}
