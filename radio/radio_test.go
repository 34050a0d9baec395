package radio

import (
	"testing"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestUUID16(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "0000181a-0000-1000-8000-00805f9b34fb", TelemetryService.String())
	assert.Equal(t, "00002a6e-0000-1000-8000-00805f9b34fb", TelemetryChar.String())
}

func TestMatchNameOrService(t *testing.T) {
	t.Parallel()

	match := MatchNameOrService(NodeName, TelemetryService)
	cases := []struct {
		name   string
		d      Device
		expect bool
	}{
		{"name", Device{Name: NodeName}, true},
		{"service", Device{Name: "esp32", Services: []uuid.UUID{TelemetryService}}, true},
		{"other", Device{Name: HubName, Services: []uuid.UUID{CommandService}}, false},
		{"empty", Device{}, false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expect, match(c.d))
		})
	}
}

func TestIsNotFound(t *testing.T) {
	t.Parallel()
	assert.True(t, IsNotFound(errors.Annotate(ErrNotFound, "scan")))
	assert.True(t, IsNotFound(errors.NotFoundf("characteristic")))
	assert.False(t, IsNotFound(ErrDisconnected))
}
