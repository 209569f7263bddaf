package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/kwv/navdash/bridge"
	"github.com/kwv/navdash/gridmap"
)

// Transport names accepted in bridge.transport
const (
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
)

// Config is the navdash service configuration
type Config struct {
	Bridge BridgeConfig `yaml:"bridge" toml:"bridge"`
	Map    MapConfig    `yaml:"map" toml:"map"`
	Topics TopicsConfig `yaml:"topics" toml:"topics"`
	HTTP   HTTPConfig   `yaml:"http" toml:"http"`
}

// BridgeConfig selects and configures the message bridge connection
type BridgeConfig struct {
	Transport            string        `yaml:"transport" toml:"transport"`
	URL                  string        `yaml:"url" toml:"url"`
	ReconnectInterval    time.Duration `yaml:"reconnectInterval" toml:"reconnectInterval"`
	MaxReconnectAttempts *int          `yaml:"maxReconnectAttempts" toml:"maxReconnectAttempts"`
	DialTimeout          time.Duration `yaml:"dialTimeout" toml:"dialTimeout"`
	MQTT                 MQTTConfig    `yaml:"mqtt" toml:"mqtt"`
}

// MQTTConfig holds MQTT broker settings for the mqtt transport
type MQTTConfig struct {
	Broker      string `yaml:"broker" toml:"broker"`
	ClientID    string `yaml:"clientId" toml:"clientId"`
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
	TopicPrefix string `yaml:"topicPrefix" toml:"topicPrefix"`
	QoS         byte   `yaml:"qos" toml:"qos"`
}

// MapConfig says where the raster and metadata files live and how to decode them
type MapConfig struct {
	// Source is a directory or an http(s) base URL
	Source     string              `yaml:"source" toml:"source"`
	Raster     string              `yaml:"raster" toml:"raster"`
	Metadata   string              `yaml:"metadata" toml:"metadata"`
	Mode       string              `yaml:"mode" toml:"mode"`
	Defaults   *MetadataDefaults   `yaml:"defaults" toml:"defaults"`
	Thresholds *gridmap.Thresholds `yaml:"thresholds" toml:"thresholds"`
	Timeout    time.Duration       `yaml:"timeout" toml:"timeout"`
	MaxRetries *int                `yaml:"maxRetries" toml:"maxRetries"`
}

// MetadataDefaults overrides the built-in metadata defaults key by key.
// Unset keys keep gridmap.DefaultMetadata.
type MetadataDefaults struct {
	Resolution *float64  `yaml:"resolution" toml:"resolution"`
	Origin     []float64 `yaml:"origin" toml:"origin"`
}

// TopicsConfig names the topics the dashboard publishes and listens to
type TopicsConfig struct {
	FrameID string `yaml:"frameId" toml:"frameId"`
	Goal    string `yaml:"goal" toml:"goal"`
	CmdVel  string `yaml:"cmdVel" toml:"cmdVel"`
	// Pose is the robot pose topic; empty disables pose tracking
	Pose          string        `yaml:"pose" toml:"pose"`
	PoseType      string        `yaml:"poseType" toml:"poseType"`
	Subscriptions []TopicConfig `yaml:"subscriptions" toml:"subscriptions"`
}

// TopicConfig is one topic subscription
type TopicConfig struct {
	Topic string `yaml:"topic" toml:"topic"`
	Type  string `yaml:"type" toml:"type"`
}

// HTTPConfig configures the status and teleop API
type HTTPConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// LoadConfig loads the configuration from a YAML file, or TOML when the
// path ends in .toml. Environment overrides are applied before validation.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &config); err != nil {
			return nil, fmt.Errorf("parsing config TOML: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.applyEnv()
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyEnv overrides connection settings from the environment
func (c *Config) applyEnv() {
	if v := os.Getenv("BRIDGE_URL"); v != "" {
		c.Bridge.URL = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.Bridge.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.Bridge.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.Bridge.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.Bridge.MQTT.ClientID = v
	}
}

func (c *Config) applyDefaults() {
	if c.Bridge.Transport == "" {
		c.Bridge.Transport = TransportWebSocket
	}
	if c.Bridge.ReconnectInterval <= 0 {
		c.Bridge.ReconnectInterval = bridge.DefaultReconnectInterval
	}
	if c.Bridge.MaxReconnectAttempts == nil {
		n := bridge.DefaultMaxReconnectAttempts
		c.Bridge.MaxReconnectAttempts = &n
	}
	if c.Bridge.DialTimeout <= 0 {
		c.Bridge.DialTimeout = bridge.DefaultDialTimeout
	}
	if c.Map.Source == "" {
		c.Map.Source = "."
	}
	if c.Topics.FrameID == "" {
		c.Topics.FrameID = "map"
	}
	if c.Topics.Goal == "" {
		c.Topics.Goal = "/goal_pose"
	}
	if c.Topics.CmdVel == "" {
		c.Topics.CmdVel = "/cmd_vel"
	}
	if c.Topics.Pose != "" && c.Topics.PoseType == "" {
		c.Topics.PoseType = bridge.TypePoseStamped
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	switch c.Bridge.Transport {
	case TransportWebSocket:
		if c.Bridge.URL == "" {
			return fmt.Errorf("bridge.url is required for the websocket transport")
		}
	case TransportMQTT:
		if c.Bridge.MQTT.Broker == "" {
			return fmt.Errorf("bridge.mqtt.broker is required for the mqtt transport")
		}
		if c.Bridge.MQTT.QoS > 2 {
			return fmt.Errorf("bridge.mqtt.qos must be 0, 1 or 2, got %d", c.Bridge.MQTT.QoS)
		}
	default:
		return fmt.Errorf("bridge.transport must be %q or %q, got %q", TransportWebSocket, TransportMQTT, c.Bridge.Transport)
	}
	if c.Bridge.MaxReconnectAttempts != nil && *c.Bridge.MaxReconnectAttempts < 0 {
		return fmt.Errorf("bridge.maxReconnectAttempts must not be negative")
	}

	if c.Map.Raster == "" {
		return fmt.Errorf("map.raster is required")
	}
	if _, err := gridmap.ParseDecodeMode(c.Map.Mode); err != nil {
		return fmt.Errorf("map.mode: %w", err)
	}
	if d := c.Map.Defaults; d != nil {
		if _, err := d.metadata(); err != nil {
			return fmt.Errorf("map.defaults: %w", err)
		}
	}
	if t := c.Map.Thresholds; t != nil {
		if t.Free < 0 || t.Occupied > 1 || t.Free >= t.Occupied {
			return fmt.Errorf("map.thresholds: need 0 <= free < occupied <= 1, got free=%v occupied=%v", t.Free, t.Occupied)
		}
	}

	switch c.Topics.PoseType {
	case "", bridge.TypePoseStamped, bridge.TypeOdometry:
	default:
		return fmt.Errorf("topics.poseType must be %q or %q, got %q", bridge.TypePoseStamped, bridge.TypeOdometry, c.Topics.PoseType)
	}
	for i, s := range c.Topics.Subscriptions {
		if s.Topic == "" {
			return fmt.Errorf("topics.subscriptions[%d].topic is required", i)
		}
	}
	return nil
}

// metadata converts configured defaults into MapMetadata
func (d MetadataDefaults) metadata() (gridmap.MapMetadata, error) {
	m := gridmap.DefaultMetadata
	if d.Resolution != nil {
		m.Resolution = *d.Resolution
	}
	switch len(d.Origin) {
	case 0:
	case 2, 3:
		m.Origin = gridmap.Pose{X: d.Origin[0], Y: d.Origin[1]}
		if len(d.Origin) == 3 {
			m.Origin.Theta = d.Origin[2]
		}
	default:
		return m, fmt.Errorf("origin needs 2 or 3 components, got %d", len(d.Origin))
	}
	return m, m.Validate()
}

// assemblerOptions translates the map section into gridmap options
func (c *Config) assemblerOptions() []gridmap.AssemblerOption {
	mode, _ := gridmap.ParseDecodeMode(c.Map.Mode)
	opts := []gridmap.AssemblerOption{gridmap.WithMode(mode)}
	if c.Map.Defaults != nil {
		if m, err := c.Map.Defaults.metadata(); err == nil {
			opts = append(opts, gridmap.WithDefaults(m))
		}
	}
	if t := c.Map.Thresholds; t != nil {
		opts = append(opts, gridmap.WithThresholds(*t))
	}
	return opts
}

// fetchOptions translates the map section into source options
func (c *Config) fetchOptions() []gridmap.FetchOption {
	var opts []gridmap.FetchOption
	if c.Map.Timeout > 0 {
		opts = append(opts, gridmap.WithTimeout(c.Map.Timeout))
	}
	if c.Map.MaxRetries != nil {
		opts = append(opts, gridmap.WithMaxRetries(*c.Map.MaxRetries))
	}
	return opts
}
