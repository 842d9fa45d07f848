package state

import (
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/mycosoft/mycobridge/log2"
	"github.com/stretchr/testify/assert"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"empty", "", func(t testing.TB, c *Config) {
			// zero values defer to package defaults
			assert.Equal(t, time.Duration(0), c.SessionConfig().AckTimeout)
			assert.Equal(t, 0, c.IngestConfig().BatchSize)
		}, ""},

		{"listen",
			`listen { tcp = "0.0.0.0:7070" ws = "0.0.0.0:7071" ws_path = "/mdp" }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "0.0.0.0:7070", c.Listen.TCP)
				assert.Equal(t, "0.0.0.0:7071", c.Listen.WS)
				assert.Equal(t, "/mdp", c.Listen.WSPath)
			},
			"",
		},

		{"session",
			`session { handshake_sec = 15 ack_sec = 3 max_retries = 5 liveness_sec = 90 }`,
			func(t testing.TB, c *Config) {
				sc := c.SessionConfig()
				assert.Equal(t, 15*time.Second, sc.HandshakeTimeout)
				assert.Equal(t, 3*time.Second, sc.AckTimeout)
				assert.Equal(t, 5, sc.MaxRetries)
				assert.Equal(t, 90*time.Second, sc.LivenessWindow)
			},
			"",
		},

		{"ingest",
			`ingest { batch_size = 32 batch_sec = 10 dedup_window = 128 spill_path = "/var/lib/mycobridge/spill" }`,
			func(t testing.TB, c *Config) {
				ic := c.IngestConfig()
				assert.Equal(t, 32, ic.BatchSize)
				assert.Equal(t, 10*time.Second, ic.BatchTimeout)
				assert.Equal(t, 128, ic.DedupWindow)
				assert.Equal(t, "/var/lib/mycobridge/spill", ic.SpillPath)
			},
			"",
		},

		{"mqtt",
			`sink { mqtt {
	enable = true
	broker = "tcp://broker.mycosoft.net:1883"
	client_id = "bridge-lab"
	password = "secret"
	topic_prefix = "myco/lab"
	keepalive_sec = 30
} }`,
			func(t testing.TB, c *Config) {
				assert.True(t, c.Sink.Mqtt.Enable)
				mc := c.MqttConfig()
				assert.Equal(t, "tcp://broker.mycosoft.net:1883", mc.Broker)
				assert.Equal(t, "bridge-lab", mc.ClientID)
				assert.Equal(t, "myco/lab", mc.TopicPrefix)
				assert.Equal(t, 30, mc.KeepaliveSec)
			},
			"",
		},

		{"include-normalize", `
listen { tcp = ":7070" }
include "./empty" {}`,
			nil, ""},

		{"include-optional", `
include "batch-9" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 9, c.Ingest.BatchSize)
			}, ""},

		{"include-overwrites", `
ingest { batch_size = 1 }
include "batch-9" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 9, c.Ingest.BatchSize)
			}, ""},

		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
	}
	mkCheck := func(c Case) func(*testing.T) {
		return func(t *testing.T) {
			log := log2.NewTest(t, log2.LDebug)

			fs := NewMockFullReader(map[string]string{
				"test-inline":  c.input,
				"empty":        "",
				"batch-9":      "ingest{batch_size=9}",
				"error-syntax": "hello",
				"include-loop": `include "include-loop" {}`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, cfg)
				}
			} else {
				if err == nil || !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		}
	}
	for _, c := range cases {
		t.Run(c.name, mkCheck(c))
	}
}
