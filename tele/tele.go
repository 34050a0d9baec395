// Package tele defines node<->hub wire messages.
// Both directions carry UTF-8 JSON objects over a radio characteristic.
package tele

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const (
	TypeEOF       = "eof"
	TypeDeepsleep = "deepsleep_duration"
	TypeThreshold = "threshold"
)

var ErrDecode = fmt.Errorf("tele: decode")

// IsDecode reports whether err is payload decode failure.
func IsDecode(err error) bool { return errors.Cause(err) == ErrDecode }

// Reading is one telemetry snapshot, produced once per node wake cycle.
// Nil temperature means probe read failure, never 0.
type Reading struct {
	Solar        *float64 `json:"solar"`
	Tank         *float64 `json:"tank"`
	FaucetClosed bool     `json:"faucet_closed"`
	Timestamp    int64    `json:"timestamp"`
}

// Temp is helper for literal readings.
func Temp(v float64) *float64 { return &v }

func (r Reading) String() string {
	return fmt.Sprintf("solar=%s tank=%s faucet_closed=%t ts=%d",
		fmtTemp(r.Solar), fmtTemp(r.Tank), r.FaucetClosed, r.Timestamp)
}

func fmtTemp(p *float64) string {
	if p == nil {
		return "null"
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

func MarshalReading(r Reading) ([]byte, error) {
	b, err := json.Marshal(r)
	return b, errors.Annotate(err, "reading marshal")
}

// ParseReading requires keys faucet_closed and timestamp.
// Missing solar/tank keys are the same as null.
func ParseReading(b []byte) (Reading, error) {
	var r Reading
	raw, err := parseObject(b)
	if err != nil {
		return r, errors.Annotatef(ErrDecode, "reading %v", err)
	}
	for _, k := range []string{"faucet_closed", "timestamp"} {
		if _, ok := raw[k]; !ok {
			return r, errors.Annotatef(ErrDecode, "reading missing key=%s", k)
		}
	}
	if err = json.Unmarshal(b, &r); err != nil {
		return r, errors.Annotatef(ErrDecode, "reading %v", err)
	}
	return r, nil
}

// Command is hub->node instruction. Value is any JSON scalar.
type Command struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// CommandEOF is reserved end-of-stream marker of drain session.
var CommandEOF = Command{Type: TypeEOF, Value: ""}

func (c Command) IsEOF() bool { return c.Type == TypeEOF }

func (c Command) String() string {
	b, err := json.Marshal(c.Value)
	if err != nil {
		return fmt.Sprintf("type=%s value=%v", c.Type, c.Value)
	}
	return fmt.Sprintf("type=%s value=%s", c.Type, b)
}

// Number accepts finite JSON number or numeric string value.
func (c Command) Number() (float64, error) {
	var f float64
	switch v := c.Value.(type) {
	case float64:
		f = v
	case json.Number:
		var err error
		if f, err = v.Float64(); err != nil {
			return 0, errors.Annotatef(err, "command=%s value", c.Type)
		}
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(v), 64); err != nil {
			return 0, errors.NotValidf("command=%s value=%q", c.Type, v)
		}
	default:
		return 0, errors.NotValidf("command=%s value type=%T", c.Type, c.Value)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.NotValidf("command=%s value=%v", c.Type, c.Value)
	}
	return f, nil
}

func MarshalCommand(c Command) ([]byte, error) {
	b, err := json.Marshal(c)
	return b, errors.Annotate(err, "command marshal")
}

// ParseCommand requires string type key, value may be absent (nil).
// Numbers are kept as json.Number.
func ParseCommand(b []byte) (Command, error) {
	var c Command
	raw, err := parseObject(b)
	if err != nil {
		return c, errors.Annotatef(ErrDecode, "command %v", err)
	}
	t, ok := raw["type"]
	if !ok {
		return c, errors.Annotatef(ErrDecode, "command missing key=type")
	}
	if err = json.Unmarshal(t, &c.Type); err != nil {
		return c, errors.Annotatef(ErrDecode, "command type %v", err)
	}
	if v, ok := raw["value"]; ok {
		if c.Value, err = decodeValue(v); err != nil {
			return c, errors.Annotatef(ErrDecode, "command value %v", err)
		}
	}
	return c, nil
}

// DecodeAppend validates administrative append payload.
// Both keys are required, type must be non-empty string other than eof.
// Rejection is NotValid error.
func DecodeAppend(b []byte) (Command, error) {
	var c Command
	raw, err := parseObject(b)
	if err != nil {
		return c, errors.NewNotValid(err, "invalid JSON")
	}
	t, okType := raw["type"]
	v, okValue := raw["value"]
	if !okType || !okValue {
		return c, errors.NotValidf("command must have type and value")
	}
	if err = json.Unmarshal(t, &c.Type); err != nil {
		return c, errors.NotValidf("command type must be string")
	}
	if c.Value, err = decodeValue(v); err != nil {
		return c, errors.NewNotValid(err, "command value")
	}
	return c, ValidateAppend(c)
}

// ValidateAppend rejects commands that must never enter hub queue.
func ValidateAppend(c Command) error {
	switch {
	case c.Type == "":
		return errors.NotValidf("command type empty")
	case c.IsEOF():
		return errors.NotValidf("command type=%s reserved", TypeEOF)
	}
	return nil
}

func parseObject(b []byte) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("expected object, got null")
	}
	return raw, nil
}

func decodeValue(b json.RawMessage) (interface{}, error) {
	var v interface{}
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()
	err := d.Decode(&v)
	return v, err
}
