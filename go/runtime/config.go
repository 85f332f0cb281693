// Package runtime assembles the bridge: it loads the configuration document
// and both catalogs, wires the pipeline stages to the transport clients, and
// supervises their tasks through start and shutdown.
package runtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	mbp "go.gazette.dev/core/mainboilerplate"
	"gopkg.in/yaml.v3"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitError   = 1 // any other unhandled error
	ExitConfig  = 2 // missing or invalid configuration or catalog document
	ExitCatalog = 3 // catalog reference error under strict validation
)

// ConfigError marks a startup failure caused by a missing or invalid
// configuration or catalog document.
type ConfigError struct{ Err error }

func (e ConfigError) Error() string { return e.Err.Error() }
func (e ConfigError) Unwrap() error { return e.Err }

// CatalogRefError marks a startup failure of the strict cross-check between
// the mapping and device catalogs.
type CatalogRefError struct{ Err error }

func (e CatalogRefError) Error() string { return e.Err.Error() }
func (e CatalogRefError) Unwrap() error { return e.Err }

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var cfgErr ConfigError
	if errors.As(err, &cfgErr) {
		return ExitConfig
	}
	var refErr CatalogRefError
	if errors.As(err, &refErr) {
		return ExitCatalog
	}
	return ExitError
}

// BridgeServerConfig is the go-flags surface of the bridge-server binary.
type BridgeServerConfig struct {
	Bridge struct {
		Config string `long:"config" env:"CONFIG" default:"bridge.yaml" description:"Path of the bridge configuration document"`
		Patch  string `long:"patch" env:"PATCH" description:"Optional RFC 7386 merge-patch document applied over the configuration"`
	} `group:"Bridge" namespace:"bridge" env-namespace:"BRIDGE"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

// Config is the bridge configuration document.
type Config struct {
	AppName            string `yaml:"app_name" json:"app_name"`
	MappingCatalogPath string `yaml:"mapping_catalog_path" json:"mapping_catalog_path"`
	DeviceCatalogPath  string `yaml:"device_catalog_path" json:"device_catalog_path"`

	Catalogs struct {
		// RequireTargets makes an object without devices a startup error.
		RequireTargets bool `yaml:"require_targets" json:"require_targets"`
	} `yaml:"catalogs" json:"catalogs"`

	Input      TransportConfig `yaml:"input" json:"input"`
	Transports TransportConfig `yaml:"transports" json:"transports"`

	// Absent timing knobs take their defaults; an explicit zero disables
	// the corresponding watchdog or heartbeat.
	Pipeline struct {
		IngestIdleTimeoutSeconds *int `yaml:"ingest_idle_timeout_seconds" json:"ingest_idle_timeout_seconds,omitempty"`
		EgressIdleTimeoutSeconds *int `yaml:"egress_idle_timeout_seconds" json:"egress_idle_timeout_seconds,omitempty"`
		SendTimeoutSeconds       int  `yaml:"send_timeout_seconds" json:"send_timeout_seconds"`
		StrictDeviceOrder        bool `yaml:"strict_device_order" json:"strict_device_order"`
		HeartbeatSeconds         *int `yaml:"heartbeat_seconds" json:"heartbeat_seconds,omitempty"`
	} `yaml:"pipeline" json:"pipeline"`

	Logging struct {
		Level       string `yaml:"level" json:"level"`
		File        string `yaml:"file" json:"file"`
		MaxSize     int    `yaml:"max_size" json:"max_size"`
		BackupCount int    `yaml:"backup_count" json:"backup_count"`
		UTC         bool   `yaml:"utc" json:"utc"`
	} `yaml:"logging" json:"logging"`
}

// TransportConfig selects one dialect of an ingest or egress endpoint.
type TransportConfig struct {
	Type    string         `yaml:"type" json:"type"`
	MQTT    *MQTTParams    `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	SignalR *SignalRParams `yaml:"signalr,omitempty" json:"signalr,omitempty"`
}

// MQTTParams is the broker dialect's parameter block.
type MQTTParams struct {
	Host             string `yaml:"host" json:"host"`
	Port             int    `yaml:"port" json:"port"`
	Username         string `yaml:"username" json:"username,omitempty"`
	Password         string `yaml:"password" json:"password,omitempty"`
	Topic            string `yaml:"topic" json:"topic,omitempty"`
	QoS              int    `yaml:"qos" json:"qos"`
	KeepaliveSeconds int    `yaml:"keepalive_seconds" json:"keepalive_seconds"`
	SSL              bool   `yaml:"ssl" json:"ssl"`
	ClientID         string `yaml:"client_id" json:"client_id,omitempty"`
	TopicTemplate    string `yaml:"topic_template" json:"topic_template,omitempty"`
}

// SignalRParams is the hub dialect's parameter block.
type SignalRParams struct {
	URL           string `yaml:"url" json:"url"`
	Group         string `yaml:"group" json:"group,omitempty"`
	Username      string `yaml:"username" json:"username,omitempty"`
	Password      string `yaml:"password" json:"password,omitempty"`
	JoinMethod    string `yaml:"join_method" json:"join_method,omitempty"`
	Event         string `yaml:"event" json:"event,omitempty"`
	SendMethod    string `yaml:"send_method" json:"send_method,omitempty"`
	Target        string `yaml:"target" json:"target,omitempty"`
	SkipNegotiate bool   `yaml:"skip_negotiate" json:"skip_negotiate"`

	Batch struct {
		Enabled     bool `yaml:"enabled" json:"enabled"`
		MaxDelayMS  int  `yaml:"max_delay_ms" json:"max_delay_ms"`
		MaxMessages int  `yaml:"max_messages" json:"max_messages"`
	} `yaml:"batch" json:"batch"`
}

// Default and clamp bounds of the pipeline timing knobs.
const (
	defaultIngestIdleSeconds = 60
	defaultEgressIdleSeconds = 90
	defaultSendSeconds       = 10
	minSendSeconds           = 3
	maxSendSeconds           = 30
	defaultHeartbeatSeconds  = 60
)

// LoadConfig reads, patches, validates, and defaults the configuration
// document. All failures are ConfigError class.
func LoadConfig(path, patchPath string) (*Config, error) {
	var doc, err = os.ReadFile(path)
	if err != nil {
		return nil, ConfigError{fmt.Errorf("reading configuration: %w", err)}
	}

	if patchPath != "" {
		if doc, err = applyPatch(doc, patchPath); err != nil {
			return nil, ConfigError{err}
		}
	}

	var cfg = new(Config)
	var dec = yaml.NewDecoder(bytes.NewReader(doc))
	dec.KnownFields(true)
	if err = dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, ConfigError{fmt.Errorf("decoding configuration %s: %w", path, err)}
	}
	if err = cfg.Validate(); err != nil {
		return nil, ConfigError{fmt.Errorf("configuration %s: %w", path, err)}
	}
	return cfg, nil
}

// applyPatch merges an RFC 7386 document (YAML or JSON) over the
// configuration. Both documents pass through JSON for the merge, so the
// result decodes with the same strict YAML decoder.
func applyPatch(doc []byte, patchPath string) ([]byte, error) {
	var patchDoc, err = os.ReadFile(patchPath)
	if err != nil {
		return nil, fmt.Errorf("reading configuration patch: %w", err)
	}

	baseJSON, err := yamlToJSON(doc)
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	patchJSON, err := yamlToJSON(patchDoc)
	if err != nil {
		return nil, fmt.Errorf("configuration patch %s: %w", patchPath, err)
	}

	merged, err := jsonpatch.MergePatch(baseJSON, patchJSON)
	if err != nil {
		return nil, fmt.Errorf("applying configuration patch %s: %w", patchPath, err)
	}
	return merged, nil
}

// yamlToJSON re-encodes a YAML document as JSON. YAML mapping keys become
// strings, which is all the configuration shape requires.
func yamlToJSON(doc []byte) ([]byte, error) {
	var value interface{}
	if err := yaml.Unmarshal(doc, &value); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return json.Marshal(jsonify(value))
}

func jsonify(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		for key, item := range v {
			v[key] = jsonify(item)
		}
		return v
	case []interface{}:
		for i, item := range v {
			v[i] = jsonify(item)
		}
		return v
	default:
		return v
	}
}

// Validate checks the document and fills defaults in place.
func (c *Config) Validate() error {
	if c.MappingCatalogPath == "" {
		return fmt.Errorf("mapping_catalog_path is required")
	}
	if c.DeviceCatalogPath == "" {
		return fmt.Errorf("device_catalog_path is required")
	}
	if err := c.Input.validate("input", true); err != nil {
		return err
	}
	if err := c.Transports.validate("transports", false); err != nil {
		return err
	}

	var p = &c.Pipeline
	p.IngestIdleTimeoutSeconds = defaultSeconds(p.IngestIdleTimeoutSeconds, defaultIngestIdleSeconds)
	p.EgressIdleTimeoutSeconds = defaultSeconds(p.EgressIdleTimeoutSeconds, defaultEgressIdleSeconds)
	p.HeartbeatSeconds = defaultSeconds(p.HeartbeatSeconds, defaultHeartbeatSeconds)
	if p.SendTimeoutSeconds == 0 {
		p.SendTimeoutSeconds = defaultSendSeconds
	} else if p.SendTimeoutSeconds < minSendSeconds {
		p.SendTimeoutSeconds = minSendSeconds
	} else if p.SendTimeoutSeconds > maxSendSeconds {
		p.SendTimeoutSeconds = maxSendSeconds
	}
	return nil
}

// defaultSeconds fills an absent knob with its default. An explicit zero or
// negative value disables the knob.
func defaultSeconds(v *int, def int) *int {
	if v == nil {
		return &def
	}
	if *v < 0 {
		var zero = 0
		return &zero
	}
	return v
}

func (t *TransportConfig) validate(section string, isInput bool) error {
	switch t.Type {
	case "mqtt":
		if t.MQTT == nil {
			return fmt.Errorf("%s: type is mqtt but the mqtt section is missing", section)
		}
		var m = t.MQTT
		if m.Host == "" {
			return fmt.Errorf("%s.mqtt: host is required", section)
		}
		if m.Port <= 0 || m.Port > 65535 {
			return fmt.Errorf("%s.mqtt: port %d is invalid", section, m.Port)
		}
		if m.QoS < 0 || m.QoS > 2 {
			return fmt.Errorf("%s.mqtt: qos %d is invalid (expected 0, 1, or 2)", section, m.QoS)
		}
		if isInput && m.Topic == "" {
			return fmt.Errorf("%s.mqtt: topic is required", section)
		}
	case "signalr":
		if t.SignalR == nil {
			return fmt.Errorf("%s: type is signalr but the signalr section is missing", section)
		}
		var s = t.SignalR
		if s.URL == "" {
			return fmt.Errorf("%s.signalr: url is required", section)
		}
		if isInput && s.Group == "" {
			return fmt.Errorf("%s.signalr: group is required", section)
		}
	case "":
		return fmt.Errorf("%s: type is required", section)
	default:
		return fmt.Errorf("%s: unknown type %q (expected mqtt or signalr)", section, t.Type)
	}
	return nil
}

// IngestIdleTimeout returns the configured ingest watchdog interval.
func (c *Config) IngestIdleTimeout() time.Duration {
	return secondsOf(c.Pipeline.IngestIdleTimeoutSeconds)
}

// EgressIdleTimeout returns the configured egress watchdog interval.
func (c *Config) EgressIdleTimeout() time.Duration {
	return secondsOf(c.Pipeline.EgressIdleTimeoutSeconds)
}

// SendTimeout returns the configured per-send bound.
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.Pipeline.SendTimeoutSeconds) * time.Second
}

// Heartbeat returns the configured heartbeat interval, zero when disabled.
func (c *Config) Heartbeat() time.Duration {
	return secondsOf(c.Pipeline.HeartbeatSeconds)
}

func secondsOf(v *int) time.Duration {
	if v == nil {
		return 0
	}
	return time.Duration(*v) * time.Second
}
