// Package state holds the bridge daemon configuration: HCL files with
// includes, read once at startup.
package state

import (
	"path/filepath"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/mycosoft/mycobridge/helpers"
	"github.com/mycosoft/mycobridge/ingest"
	"github.com/mycosoft/mycobridge/log2"
	"github.com/mycosoft/mycobridge/session"
	"github.com/mycosoft/mycobridge/sink"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Listen struct {
		TCP    string `hcl:"tcp"`     // direct device links
		WS     string `hcl:"ws"`      // relay-routed links
		WSPath string `hcl:"ws_path"` // websocket endpoint path
	}

	Session struct {
		HandshakeSec int `hcl:"handshake_sec"`
		AckSec       int `hcl:"ack_sec"`
		MaxRetries   int `hcl:"max_retries"`
		LivenessSec  int `hcl:"liveness_sec"`
	}

	Ingest struct {
		BatchSize     int    `hcl:"batch_size"`
		BatchSec      int    `hcl:"batch_sec"`
		DedupWindow   int    `hcl:"dedup_window"`
		FlushAttempts int    `hcl:"flush_attempts"`
		SpillPath     string `hcl:"spill_path"`
	}

	Sink struct {
		Mqtt struct {
			Enable       bool   `hcl:"enable"`
			Broker       string `hcl:"broker"`
			ClientID     string `hcl:"client_id"`
			Password     string `hcl:"password"`
			TopicPrefix  string `hcl:"topic_prefix"`
			StorePath    string `hcl:"store_path"`
			KeepaliveSec int    `hcl:"keepalive_sec"`
			PingSec      int    `hcl:"ping_sec"`
			LogDebug     bool   `hcl:"log_debug"`
		} `hcl:"mqtt"`
	}

	LogDebug bool `hcl:"log_debug"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) SessionConfig() session.Config {
	return session.Config{
		HandshakeTimeout: helpers.IntSecondDefault(c.Session.HandshakeSec, 0),
		AckTimeout:       helpers.IntSecondDefault(c.Session.AckSec, 0),
		MaxRetries:       c.Session.MaxRetries,
		LivenessWindow:   helpers.IntSecondDefault(c.Session.LivenessSec, 0),
	}
}

func (c *Config) IngestConfig() ingest.Config {
	return ingest.Config{
		BatchSize:     c.Ingest.BatchSize,
		BatchTimeout:  helpers.IntSecondDefault(c.Ingest.BatchSec, 0),
		DedupWindow:   c.Ingest.DedupWindow,
		FlushAttempts: c.Ingest.FlushAttempts,
		SpillPath:     c.Ingest.SpillPath,
	}
}

func (c *Config) MqttConfig() sink.MQTTConfig {
	return sink.MQTTConfig{
		Broker:         c.Sink.Mqtt.Broker,
		ClientID:       c.Sink.Mqtt.ClientID,
		Password:       c.Sink.Mqtt.Password,
		TopicPrefix:    c.Sink.Mqtt.TopicPrefix,
		StorePath:      c.Sink.Mqtt.StorePath,
		KeepaliveSec:   c.Sink.Mqtt.KeepaliveSec,
		PingTimeoutSec: c.Sink.Mqtt.PingSec,
		LogDebug:       c.Sink.Mqtt.LogDebug,
	}
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
			return
		}
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
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

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
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

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
