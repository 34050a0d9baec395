package valve

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/solarvalve/helpers"
	"github.com/temoto/solarvalve/internal/persist"
	"github.com/temoto/solarvalve/log2"
)

func temp(v float64) *float64 { return &v }

func TestDecide(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		solar      *float64
		tank       *float64
		threshold  float64
		expectOpen bool
		expectOk   bool
	}{
		{"warmer", temp(40), temp(30), 0.5, true, true},
		{"colder", temp(20), temp(30), 0.5, false, true},
		{"equal-within-threshold", temp(30), temp(30), 0.5, true, true},
		{"equal-zero-threshold", temp(30), temp(30), 0, false, true},
		{"negative-threshold", temp(30.2), temp(30), -0.5, false, true},
		{"solar-null", nil, temp(30), 0.5, false, false},
		{"tank-null", temp(30), nil, 0.5, false, false},
		{"both-null", nil, nil, 0.5, false, false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			open, ok := Decide(c.solar, c.tank, c.threshold)
			assert.Equal(t, c.expectOk, ok)
			assert.Equal(t, c.expectOpen, open)
		})
	}
}

func TestDecideProperty(t *testing.T) {
	t.Parallel()
	rnd := helpers.RandUnix()
	for i := 0; i < 1000; i++ {
		s := rnd.Float64()*120 - 20
		tk := rnd.Float64()*120 - 20
		th := rnd.Float64()*4 - 2
		open, ok := Decide(&s, &tk, th)
		require.True(t, ok)
		require.Equal(t, s+th > tk, open, "s=%v t=%v th=%v", s, tk, th)
	}
}

type memStore struct {
	st  persist.State
	err error
}

func (m *memStore) Current() persist.State { return m.st }
func (m *memStore) Store(st persist.State) error {
	if m.err != nil {
		return m.err
	}
	m.st = st
	return nil
}

func TestApplyIdempotent(t *testing.T) {
	t.Parallel()
	act := NewMemory(false)
	store := &memStore{st: persist.Default()}
	c := NewController(act, store, log2.NewTest(t, log2.LDebug))

	for _, step := range []bool{true, true, false, false, true} {
		_, err := c.Apply(step)
		require.NoError(t, err)
		assert.Equal(t, step, act.Level())
		assert.Equal(t, step, store.st.ValveOpen)
		assert.Equal(t, step, c.Open())
	}
	assert.Equal(t, 3, act.Count())
}

func TestApplyActuationFailure(t *testing.T) {
	t.Parallel()
	act := NewMemory(false)
	act.Err = errors.New("relay stuck")
	store := &memStore{st: persist.Default()}
	c := NewController(act, store, log2.NewTest(t, log2.LDebug))

	changed, err := c.Apply(true)
	require.Error(t, err)
	assert.True(t, IsActuation(err), errors.ErrorStack(err))
	assert.False(t, changed)
	assert.False(t, c.Open())
	assert.False(t, store.st.ValveOpen)
}

func TestApplyPersistFailure(t *testing.T) {
	t.Parallel()
	act := NewMemory(false)
	store := &memStore{st: persist.Default(), err: errors.New("disk full")}
	c := NewController(act, store, log2.NewTest(t, log2.LDebug))

	changed, err := c.Apply(true)
	require.Error(t, err)
	assert.True(t, IsPersist(err), errors.ErrorStack(err))
	assert.False(t, changed)
	assert.False(t, c.Open())
	assert.False(t, act.Level(), "actuator must be reverted")
	assert.Equal(t, 2, act.Count())
}

func TestControllerRestart(t *testing.T) {
	t.Parallel()
	act := NewMemory(true)
	store := &memStore{st: persist.State{ValveOpen: true, DeepsleepDuration: 30}}
	c := NewController(act, store, log2.NewTest(t, log2.LDebug))
	assert.True(t, c.Open())
	changed, err := c.Apply(true)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 0, act.Count())
}
