// Package state is process configuration, HCL files with includes.
package state

import (
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/solarvalve/helpers"
	"github.com/temoto/solarvalve/internal/hub"
	"github.com/temoto/solarvalve/internal/hub/history"
	"github.com/temoto/solarvalve/internal/node"
	"github.com/temoto/solarvalve/log2"
)

const (
	DefaultPersistRoot = "/var/lib/solarvalve"
	DefaultListen      = ":8080"
	DefaultMQTTTopic   = "solarvalve/telemetry"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Persist struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`

	Node struct {
		Name              string   `hcl:"name"`
		HubName           string   `hcl:"hub_name"`
		Threshold         *float64 `hcl:"threshold"`
		PublishTimeoutSec int      `hcl:"publish_timeout_sec"`
		ScanMs            int      `hcl:"scan_ms"`
		ConnectTimeoutMs  int      `hcl:"connect_timeout_ms"`
		DrainLimit        int      `hcl:"drain_limit"`
		Valve             struct {
			GpioChip string `hcl:"gpio_chip"`
			Line     int    `hcl:"line"`
		} `hcl:"valve"`
		Probe struct {
			W1Root string `hcl:"w1_root"`
			Solar  string `hcl:"solar"`
			Tank   string `hcl:"tank"`
		} `hcl:"probe"`
		LogDebug bool `hcl:"log_debug"`
	} `hcl:"node"`

	Hub struct {
		Name       string `hcl:"name"`
		TargetName string `hcl:"target_name"`
		Listen     string `hcl:"listen"`
		PublicURL  string `hcl:"public_url"`
		Discovery  struct {
			TimeoutMs       int `hcl:"timeout_ms"`
			NotFoundDelayMs int `hcl:"not_found_delay_ms"`
			ErrorDelayMs    int `hcl:"error_delay_ms"`
			ReadIntervalMs  int `hcl:"read_interval_ms"`
		} `hcl:"discovery"`
		ServeErrorDelayMs int `hcl:"serve_error_delay_ms"`
		History           struct {
			Enabled        bool `hcl:"enabled"`
			RetentionHours int  `hcl:"retention_hours"`
			Mqtt           struct {
				Broker     string `hcl:"broker"`
				ClientID   string `hcl:"client_id"`
				Topic      string `hcl:"topic"`
				Username   string `hcl:"username"`
				Password   string `hcl:"password"`
				TimeoutSec int    `hcl:"timeout_sec"`
			} `hcl:"mqtt"`
		} `hcl:"history"`
		LogDebug bool `hcl:"log_debug"`
	} `hcl:"hub"`

	Sim struct {
		Solar  float64 `hcl:"solar"`
		Tank   float64 `hcl:"tank"`
		Cycles int     `hcl:"cycles"`
	} `hcl:"sim"`
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) PersistRoot() string {
	if c.Persist.Root == "" {
		return DefaultPersistRoot
	}
	return c.Persist.Root
}
func (c *Config) PersistPath(name string) string { return filepath.Join(c.PersistRoot(), name) }

// Layout below persist root.
func (c *Config) NodeStatePath() string    { return c.PersistPath("node") }
func (c *Config) QueuePath() string        { return c.PersistPath("queue") }
func (c *Config) HistoryDBPath() string    { return c.PersistPath("history.db") }
func (c *Config) HistoryQueuePath() string { return c.PersistPath("history.queue") }

func (c *Config) NodeConfig() node.Config {
	n := &c.Node
	threshold := node.DefaultThreshold
	if n.Threshold != nil {
		threshold = *n.Threshold
	}
	return node.Config{
		Name:           n.Name,
		HubName:        n.HubName,
		Threshold:      threshold,
		PublishTimeout: helpers.IntSecondDefault(n.PublishTimeoutSec, node.DefaultPublishTimeout),
		ScanTimeout:    helpers.IntMillisecondDefault(n.ScanMs, node.DefaultScanTimeout),
		ConnectTimeout: helpers.IntMillisecondDefault(n.ConnectTimeoutMs, node.DefaultConnectTimeout),
		DrainLimit:     n.DrainLimit,
	}
}

func (c *Config) HubConfig() hub.Config {
	h := &c.Hub
	return hub.Config{
		Name:       h.Name,
		TargetName: h.TargetName,
		Discovery: hub.DiscoveryConfig{
			Timeout:       helpers.IntMillisecondDefault(h.Discovery.TimeoutMs, hub.DefaultDiscoveryTimeout),
			NotFoundDelay: helpers.IntMillisecondDefault(h.Discovery.NotFoundDelayMs, hub.DefaultNotFoundDelay),
			ErrorDelay:    helpers.IntMillisecondDefault(h.Discovery.ErrorDelayMs, hub.DefaultErrorDelay),
			ReadInterval:  helpers.IntMillisecondDefault(h.Discovery.ReadIntervalMs, hub.DefaultReadInterval),
		},
		ServeErrorDelay: helpers.IntMillisecondDefault(h.ServeErrorDelayMs, hub.DefaultServeErrorDelay),
	}
}

func (c *Config) HubListen() string {
	if c.Hub.Listen == "" {
		return DefaultListen
	}
	return c.Hub.Listen
}

func (c *Config) HistoryRetention() time.Duration {
	if c.Hub.History.RetentionHours <= 0 {
		return history.DefaultRetention
	}
	return time.Duration(c.Hub.History.RetentionHours) * time.Hour
}

// MQTTConfig ok=false when broker is not configured.
func (c *Config) MQTTConfig() (history.MQTTConfig, bool) {
	m := &c.Hub.History.Mqtt
	if m.Broker == "" {
		return history.MQTTConfig{}, false
	}
	mc := history.MQTTConfig{
		Broker:   m.Broker,
		ClientID: m.ClientID,
		Topic:    m.Topic,
		Username: m.Username,
		Password: m.Password,
		Timeout:  helpers.IntSecondDefault(m.TimeoutSec, 0),
	}
	if mc.ClientID == "" {
		mc.ClientID = "solarvalve-hub"
	}
	if mc.Topic == "" {
		mc.Topic = DefaultMQTTTopic
	}
	return mc, true
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig merges sources in order, later values win.
// With OsFullReader, includes are relative to the first file.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}
