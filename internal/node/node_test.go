package node

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/solarvalve/internal/persist"
	"github.com/temoto/solarvalve/internal/probe"
	"github.com/temoto/solarvalve/internal/valve"
	"github.com/temoto/solarvalve/log2"
	"github.com/temoto/solarvalve/radio/loopback"
	"github.com/temoto/solarvalve/tele"
)

type memStorage struct {
	data     []byte
	writeErr error
}

func (m *memStorage) Read() ([]byte, error) { return m.data, nil }
func (m *memStorage) Write(b []byte) (int, error) {
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.data = append([]byte(nil), b...)
	return len(b), nil
}

func testConfig() Config {
	return Config{
		Threshold:      DefaultThreshold,
		PublishTimeout: 5 * time.Second,
		ScanTimeout:    2 * time.Second,
		ConnectTimeout: time.Second,
	}
}

func newTestNode(t testing.TB, air *loopback.Air, storage *memStorage, hw Hardware) *Node {
	log := log2.NewTest(t, log2.LDebug)
	hw.Radio = air.Radio("node")
	if hw.Valve == nil {
		hw.Valve = valve.NewMemory(false)
	}
	hw.Now = func() time.Time { return time.Unix(1000, 0) }
	n, err := New(testConfig(), hw, persist.NewStorage(storage, log), log)
	require.NoError(t, err)
	return n
}

func TestHandleCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name            string
		cmd             tele.Command
		expectSleep     int
		expectThreshold *float64
	}{
		{"deepsleep", tele.Command{Type: tele.TypeDeepsleep, Value: float64(45)}, 45, nil},
		{"deepsleep-string", tele.Command{Type: tele.TypeDeepsleep, Value: "30"}, 30, nil},
		{"deepsleep-fraction", tele.Command{Type: tele.TypeDeepsleep, Value: 2.9}, 2, nil},
		{"deepsleep-negative", tele.Command{Type: tele.TypeDeepsleep, Value: float64(-1)}, persist.DefaultDeepsleep, nil},
		{"deepsleep-zero", tele.Command{Type: tele.TypeDeepsleep, Value: 0.5}, persist.DefaultDeepsleep, nil},
		{"deepsleep-text", tele.Command{Type: tele.TypeDeepsleep, Value: "x"}, persist.DefaultDeepsleep, nil},
		{"deepsleep-bool", tele.Command{Type: tele.TypeDeepsleep, Value: true}, persist.DefaultDeepsleep, nil},
		{"deepsleep-nan", tele.Command{Type: tele.TypeDeepsleep, Value: "NaN"}, persist.DefaultDeepsleep, nil},
		{"deepsleep-huge", tele.Command{Type: tele.TypeDeepsleep, Value: 1e10}, persist.DefaultDeepsleep, nil},
		{"deepsleep-max", tele.Command{Type: tele.TypeDeepsleep, Value: float64(persist.DeepsleepMax)}, persist.DeepsleepMax, nil},
		{"threshold", tele.Command{Type: tele.TypeThreshold, Value: float64(-3)}, persist.DefaultDeepsleep, tele.Temp(-3)},
		{"threshold-zero", tele.Command{Type: tele.TypeThreshold, Value: "0"}, persist.DefaultDeepsleep, tele.Temp(0)},
		{"threshold-range", tele.Command{Type: tele.TypeThreshold, Value: float64(99)}, persist.DefaultDeepsleep, nil},
		{"threshold-nan", tele.Command{Type: tele.TypeThreshold, Value: "NaN"}, persist.DefaultDeepsleep, nil},
		{"threshold-inf", tele.Command{Type: tele.TypeThreshold, Value: "Inf"}, persist.DefaultDeepsleep, nil},
		{"unknown", tele.Command{Type: "reboot", Value: 1}, persist.DefaultDeepsleep, nil},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			n := newTestNode(t, loopback.NewAir(), &memStorage{}, Hardware{})
			require.NoError(t, n.handleCommand(c.cmd))
			st := n.State()
			assert.Equal(t, c.expectSleep, st.DeepsleepDuration)
			assert.Equal(t, c.expectThreshold, st.Threshold)
		})
	}
}

func TestHandleCommandPersistFailure(t *testing.T) {
	t.Parallel()
	storage := &memStorage{}
	n := newTestNode(t, loopback.NewAir(), storage, Hardware{})
	storage.writeErr = errors.New("flash worn out")
	err := n.handleCommand(tele.Command{Type: tele.TypeDeepsleep, Value: float64(45)})
	assert.True(t, valve.IsPersist(err), errors.ErrorStack(err))
	assert.Equal(t, persist.DefaultDeepsleep, n.State().DeepsleepDuration)
}

func TestCycle(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	air := loopback.NewAir()
	hubRadio := air.Radio("hub")
	got := make(chan []byte, 1)
	go func() {
		b, err := readTelemetry(ctx, hubRadio)
		if err == nil {
			got <- b
		}
	}()
	hub := &fakeHub{queue: [][]byte{
		[]byte(`{"type":"deepsleep_duration","value":45}`),
		[]byte(`{"type":"deepsleep_duration","value":-1}`),
		[]byte(`{"type":"deepsleep_duration","value":"x"}`),
	}}
	hub.serve(ctx, hubRadio, commandAdvert())

	act := valve.NewMemory(false)
	storage := &memStorage{}
	n := newTestNode(t, air, storage, Hardware{
		Valve: act,
		Solar: probe.Static{Value: 40},
		Tank:  probe.Static{Value: 30},
	})
	result, err := n.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, TelemetryAcknowledged, result.Telemetry)
	assert.Equal(t, CommandDone, result.Command)
	assert.Len(t, result.Commands, 3)
	assert.Equal(t, 45*time.Second, result.Sleep)
	assert.Equal(t, tele.Reading{Solar: tele.Temp(40), Tank: tele.Temp(30), FaucetClosed: false, Timestamp: 1000}, result.Reading)
	assert.True(t, act.Level())
	assert.Equal(t, persist.State{ValveOpen: true, DeepsleepDuration: 45}, n.State())

	r, err := tele.ParseReading(<-got)
	require.NoError(t, err)
	assert.Equal(t, result.Reading, r)
}

func TestCycleAlone(t *testing.T) {
	t.Parallel()
	air := loopback.NewAir()
	act := valve.NewMemory(false)
	log := log2.NewTest(t, log2.LDebug)
	config := testConfig()
	config.PublishTimeout = 20 * time.Millisecond
	config.ScanTimeout = 20 * time.Millisecond
	n, err := New(config, Hardware{
		Radio: air.Radio("node"),
		Valve: act,
		Solar: probe.Static{Value: 10},
		Tank:  probe.Static{Value: 30},
	}, persist.NewStorage(&memStorage{}, log), log)
	require.NoError(t, err)

	result, err := n.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TelemetryTimedOut, result.Telemetry)
	assert.Equal(t, CommandScanExhausted, result.Command)
	assert.Len(t, result.Commands, 0)
	assert.Equal(t, time.Duration(persist.DefaultDeepsleep)*time.Second, result.Sleep)
	assert.True(t, result.Reading.FaucetClosed)
	assert.Equal(t, 0, act.Count())
}

func TestCycleRestartHoldsPosition(t *testing.T) {
	t.Parallel()
	air := loopback.NewAir()
	act := valve.NewMemory(true)
	storage := &memStorage{data: []byte(`{"valve_open":true,"deepsleep_duration":30}`)}
	log := log2.NewTest(t, log2.LDebug)
	config := testConfig()
	config.PublishTimeout = 20 * time.Millisecond
	config.ScanTimeout = 20 * time.Millisecond
	n, err := New(config, Hardware{
		Radio: air.Radio("node"),
		Valve: act,
		Solar: probe.Static{Err: errors.New("crc")},
		Tank:  probe.Static{Value: 30},
	}, persist.NewStorage(storage, log), log)
	require.NoError(t, err)
	assert.True(t, n.Valve().Open())

	result, err := n.Cycle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result.Reading.Solar)
	assert.False(t, result.Reading.FaucetClosed)
	assert.Equal(t, 30*time.Second, result.Sleep)
	assert.Equal(t, 0, act.Count(), "restart must not toggle actuator")
}

func TestCycleEscalatesPersistFailure(t *testing.T) {
	t.Parallel()
	air := loopback.NewAir()
	act := valve.NewMemory(false)
	storage := &memStorage{data: []byte(`{"valve_open":false,"deepsleep_duration":20}`)}
	log := log2.NewTest(t, log2.LDebug)
	config := testConfig()
	config.PublishTimeout = 20 * time.Millisecond
	config.ScanTimeout = 20 * time.Millisecond
	n, err := New(config, Hardware{
		Radio: air.Radio("node"),
		Valve: act,
		Solar: probe.Static{Value: 50},
		Tank:  probe.Static{Value: 30},
	}, persist.NewStorage(storage, log), log)
	require.NoError(t, err)
	storage.writeErr = errors.New("flash worn out")

	result, err := n.Cycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), valve.ErrPersist.Error())
	assert.Equal(t, 20*time.Second, result.Sleep)
	assert.False(t, act.Level())
	assert.True(t, result.Reading.FaucetClosed)
}

func TestThresholdFromState(t *testing.T) {
	t.Parallel()
	storage := &memStorage{data: []byte(`{"valve_open":false,"deepsleep_duration":10,"threshold":-15}`)}
	n := newTestNode(t, loopback.NewAir(), storage, Hardware{})
	assert.Equal(t, -15.0, n.threshold())

	n = newTestNode(t, loopback.NewAir(), &memStorage{}, Hardware{})
	assert.Equal(t, DefaultThreshold, n.threshold())
}
