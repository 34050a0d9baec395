// Package probe reads temperature sensors.
package probe

import (
	"context"
	"io/ioutil"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/solarvalve/log2"
)

type Probe interface {
	Read(ctx context.Context) (float64, error)
}

// Func adapts function to Probe.
type Func func(ctx context.Context) (float64, error)

func (f Func) Read(ctx context.Context) (float64, error) { return f(ctx) }

// Static always returns same reading or error.
type Static struct {
	Value float64
	Err   error
}

func (s Static) Read(context.Context) (float64, error) { return s.Value, s.Err }

// Round2 rounds to 0.01 degree.
func Round2(v float64) float64 { return math.Round(v*100) / 100 }

// ReadOptional returns nil on failure, so unknown temperature never becomes 0.
func ReadOptional(ctx context.Context, p Probe, tag string, log *log2.Log) *float64 {
	if p == nil {
		log.Errorf("probe=%s not configured", tag)
		return nil
	}
	v, err := p.Read(ctx)
	if err != nil {
		log.Errorf("probe=%s err=%v", tag, err)
		return nil
	}
	v = Round2(v)
	return &v
}

// W1 is DS18B20 on Linux 1-Wire sysfs: <root>/<id>/w1_slave
type W1 struct {
	Root string
	ID   string
}

const DefaultW1Root = "/sys/bus/w1/devices"

func (w W1) path() string {
	root := w.Root
	if root == "" {
		root = DefaultW1Root
	}
	return filepath.Join(root, w.ID, "w1_slave")
}

func (w W1) Read(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if w.ID == "" {
		return 0, errors.NotValidf("w1 probe id empty")
	}
	b, err := ioutil.ReadFile(w.path())
	if err != nil {
		return 0, errors.Annotatef(err, "w1 id=%s", w.ID)
	}
	v, err := ParseW1Slave(string(b))
	return v, errors.Annotatef(err, "w1 id=%s", w.ID)
}

// ParseW1Slave parses kernel w1_therm output:
//   72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//   72 01 4b 46 7f ff 0e 10 57 t=23125
func ParseW1Slave(s string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) < 2 {
		return 0, errors.NotValidf("w1_slave short output")
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[0]), "YES") {
		return 0, errors.NotValidf("w1_slave crc")
	}
	i := strings.LastIndex(lines[1], "t=")
	if i < 0 {
		return 0, errors.NotValidf("w1_slave no temperature")
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(lines[1][i+2:]), 10, 32)
	if err != nil {
		return 0, errors.NewNotValid(err, "w1_slave temperature")
	}
	// 85000 is power-on reset value, conversion did not happen
	if milli == 85000 {
		return 0, errors.NotValidf("w1_slave power-on reset value")
	}
	return float64(milli) / 1000, nil
}
