package history

import (
	"fmt"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/solarvalve/log2"
	"github.com/temoto/solarvalve/tele"
)

type mockToken struct{ error }

func (self mockToken) Error() error                   { return self.error }
func (self mockToken) Wait() bool                     { return true }
func (self mockToken) WaitTimeout(time.Duration) bool { return true }

type stuckToken struct{ mockToken }

func (stuckToken) WaitTimeout(time.Duration) bool { return false }

type mockMsg struct {
	topic    string
	retained bool
	payload  string
}

type mockPublisher struct {
	pub   []mockMsg
	token mqtt.Token
	disc  bool
}

func (self *mockPublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	self.pub = append(self.pub, mockMsg{topic, retained, string(payload.([]byte))})
	if self.token != nil {
		return self.token
	}
	return mockToken{nil}
}
func (self *mockPublisher) Disconnect(uint) { self.disc = true }

func TestMQTTSink(t *testing.T) {
	t.Parallel()

	p := &mockPublisher{}
	m := newMQTTSink(p, "solarvalve/telemetry", time.Second, log2.NewTest(t, log2.LDebug))
	assert.Equal(t, "mqtt", m.Name())
	require.NoError(t, m.WriteReading(1700000000, tele.Reading{Solar: fp(40.5), FaucetClosed: true}))
	require.NoError(t, m.WriteFaucet(1700000005, false))
	require.NoError(t, m.Close())
	assert.Equal(t, []mockMsg{
		{"solarvalve/telemetry/reading", true, `{"ts":1700000000,"s":40.5,"t":null,"c":true}`},
		{"solarvalve/telemetry/faucet", false, `{"ts":1700000005,"c":false}`},
	}, p.pub)
	assert.True(t, p.disc)
}

func TestMQTTSinkErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		token  mqtt.Token
		check  func(error) bool
		expect string
	}{
		{"error", mockToken{fmt.Errorf("not connected")}, func(error) bool { return true },
			"mqtt publish topic=x/faucet: not connected"},
		{"timeout", stuckToken{}, errors.IsTimeout,
			"mqtt publish topic=x/faucet timeout"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			m := newMQTTSink(&mockPublisher{token: c.token}, "x", time.Millisecond, log2.NewTest(t, log2.LDebug))
			err := m.WriteFaucet(1, true)
			require.Error(t, err)
			assert.True(t, c.check(err))
			assert.Equal(t, c.expect, err.Error())
		})
	}
}
