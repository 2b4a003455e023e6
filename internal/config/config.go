package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gyroaim/internal/aim"
)

type Config struct {
	AHRS   AHRSConfig   `yaml:"ahrs"`
	Source SourceConfig `yaml:"source"`
	Aim    AimConfig    `yaml:"aim"`
	Web    WebConfig    `yaml:"web"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	UDP    UDPConfig    `yaml:"udp"`
	Button ButtonConfig `yaml:"button"`
	Record RecordConfig `yaml:"record"`
}

type AHRSConfig struct {
	AutoBias        bool          `yaml:"auto_bias"`
	StartupCal      bool          `yaml:"startup_cal"`
	ZeroDriftWindow time.Duration `yaml:"zero_drift_window"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	// GyroBiasRadS is applied at startup, before any calibration.
	GyroBiasRadS []float64 `yaml:"gyro_bias_rad_s"`
}

type SourceConfig struct {
	Kind     string         `yaml:"kind"`
	ICM20948 ICM20948Config `yaml:"icm20948"`
	IIO      IIOConfig      `yaml:"iio"`
	Serial   SerialConfig   `yaml:"serial"`
	TCP      TCPConfig      `yaml:"tcp"`
	Replay   ReplayConfig   `yaml:"replay"`
	Sim      SimConfig      `yaml:"sim"`
}

type ICM20948Config struct {
	Bus          int    `yaml:"bus"`
	Addr         uint16 `yaml:"addr"`
	GyroRangeDPS int    `yaml:"gyro_range_dps"`
	RateHz       int    `yaml:"rate_hz"`
}

type IIOConfig struct {
	Path   string `yaml:"path"`
	Name   string `yaml:"name"`
	RateHz int    `yaml:"rate_hz"`
}

type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

type TCPConfig struct {
	Addr           string        `yaml:"addr"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type ReplayConfig struct {
	Path  string  `yaml:"path"`
	Speed float64 `yaml:"speed"`
	Loop  bool    `yaml:"loop"`
}

type SimConfig struct {
	Scenario string `yaml:"scenario"`
	Loop     bool   `yaml:"loop"`
}

type AimConfig struct {
	Mode             string  `yaml:"mode"`
	TurningAxis      string  `yaml:"turning_axis"`
	YawSensitivity   float64 `yaml:"yaw_sensitivity"`
	PitchSensitivity float64 `yaml:"pitch_sensitivity"`
	TighteningDegS   float64 `yaml:"tightening_deg_s"`
	FrameRateHz      int     `yaml:"frame_rate_hz"`
}

type WebConfig struct {
	Disable bool   `yaml:"disable"`
	Listen  string `yaml:"listen"`
}

type MQTTConfig struct {
	Enable         bool          `yaml:"enable"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

type UDPConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

type ButtonConfig struct {
	Enable   bool          `yaml:"enable"`
	Chip     string        `yaml:"chip"`
	Line     int           `yaml:"line"`
	Debounce time.Duration `yaml:"debounce"`
	// Action is what a press does: "recentre" or "gyro" (the gyro action
	// button for hold_to_enable/hold_to_disable modes).
	Action string `yaml:"action"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

var sourceKinds = []string{"icm20948", "iio", "serial", "tcp", "replay", "sim"}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes a YAML config, applies defaults and validates it.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.AHRS.ZeroDriftWindow <= 0 {
		cfg.AHRS.ZeroDriftWindow = 2 * time.Second
	}
	if cfg.AHRS.StaleAfter <= 0 {
		cfg.AHRS.StaleAfter = 1 * time.Second
	}
	if n := len(cfg.AHRS.GyroBiasRadS); n != 0 && n != 3 {
		return Config{}, fmt.Errorf("ahrs.gyro_bias_rad_s must have 3 elements")
	}

	if err := cfg.Source.validate(); err != nil {
		return Config{}, err
	}

	if err := cfg.Aim.validate(); err != nil {
		return Config{}, err
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}

	if cfg.MQTT.Enable {
		if cfg.MQTT.Broker == "" {
			return Config{}, fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
		}
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "gyroaim"
	}
	cfg.MQTT.TopicPrefix = strings.TrimRight(cfg.MQTT.TopicPrefix, "/")
	if cfg.MQTT.StatusInterval <= 0 {
		cfg.MQTT.StatusInterval = 5 * time.Second
	}

	if cfg.UDP.Enable && cfg.UDP.Dest == "" {
		return Config{}, fmt.Errorf("udp.dest is required when udp.enable is true")
	}

	if cfg.Button.Chip == "" {
		cfg.Button.Chip = "gpiochip0"
	}
	if cfg.Button.Debounce <= 0 {
		cfg.Button.Debounce = 50 * time.Millisecond
	}
	if cfg.Button.Action == "" {
		cfg.Button.Action = "recentre"
	}
	if cfg.Button.Action != "recentre" && cfg.Button.Action != "gyro" {
		return Config{}, fmt.Errorf("button.action must be recentre or gyro")
	}
	if cfg.Button.Enable && cfg.Button.Line < 0 {
		return Config{}, fmt.Errorf("button.line must be >= 0")
	}

	if cfg.Record.Enable {
		if cfg.Source.Kind == "replay" {
			return Config{}, fmt.Errorf("record cannot be used with source.kind=replay")
		}
		if cfg.Record.Path == "" {
			return Config{}, fmt.Errorf("record.path is required when record.enable is true")
		}
	}

	return cfg, nil
}

func (s *SourceConfig) validate() error {
	if s.Kind == "" {
		return fmt.Errorf("source.kind is required")
	}
	s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
	switch s.Kind {
	case "icm20948":
		if s.ICM20948.Bus < 0 {
			return fmt.Errorf("source.icm20948.bus must be >= 0")
		}
		if s.ICM20948.Bus == 0 {
			s.ICM20948.Bus = 1
		}
		if s.ICM20948.Addr == 0 {
			s.ICM20948.Addr = 0x68
		}
		if s.ICM20948.GyroRangeDPS == 0 {
			s.ICM20948.GyroRangeDPS = 2000
		}
		switch s.ICM20948.GyroRangeDPS {
		case 250, 500, 1000, 2000:
		default:
			return fmt.Errorf("source.icm20948.gyro_range_dps must be 250, 500, 1000 or 2000")
		}
		if s.ICM20948.RateHz == 0 {
			s.ICM20948.RateHz = 250
		}
		if s.ICM20948.RateHz < 5 || s.ICM20948.RateHz > 1125 {
			return fmt.Errorf("source.icm20948.rate_hz must be in [5,1125]")
		}
	case "iio":
		if s.IIO.RateHz <= 0 {
			s.IIO.RateHz = 200
		}
	case "serial":
		if s.Serial.Port == "" {
			return fmt.Errorf("source.serial.port is required when source.kind=serial")
		}
		if s.Serial.BaudRate <= 0 {
			s.Serial.BaudRate = 115200
		}
	case "tcp":
		if s.TCP.Addr == "" {
			return fmt.Errorf("source.tcp.addr is required when source.kind=tcp")
		}
		if s.TCP.ReconnectDelay <= 0 {
			s.TCP.ReconnectDelay = time.Second
		}
	case "replay":
		if s.Replay.Path == "" {
			return fmt.Errorf("source.replay.path is required when source.kind=replay")
		}
		if s.Replay.Speed == 0 {
			s.Replay.Speed = 1
		}
		if s.Replay.Speed < 0 {
			return fmt.Errorf("source.replay.speed must be > 0")
		}
	case "sim":
		if s.Sim.Scenario == "" {
			return fmt.Errorf("source.sim.scenario is required when source.kind=sim")
		}
	default:
		return fmt.Errorf("source.kind must be one of %s", strings.Join(sourceKinds, ", "))
	}
	return nil
}

func (a *AimConfig) validate() error {
	if a.Mode == "" {
		// The gyro is live until the gyro action button is held.
		a.Mode = "hold_to_disable"
	}
	if _, err := aim.ParseMode(a.Mode); err != nil {
		return fmt.Errorf("aim.mode: %w", err)
	}
	switch a.TurningAxis {
	case "":
		a.TurningAxis = string(aim.TurnYaw)
	case string(aim.TurnYaw), string(aim.TurnRoll):
	default:
		return fmt.Errorf("aim.turning_axis must be yaw or roll")
	}
	def := aim.DefaultConfig()
	if a.YawSensitivity == 0 {
		a.YawSensitivity = def.YawSensitivity
	}
	if a.PitchSensitivity == 0 {
		a.PitchSensitivity = def.PitchSensitivity
	}
	if a.TighteningDegS == 0 {
		a.TighteningDegS = def.TighteningDegS
	}
	if a.TighteningDegS < 0 {
		return fmt.Errorf("aim.tightening_deg_s must be >= 0")
	}
	if a.FrameRateHz == 0 {
		a.FrameRateHz = 60
	}
	if a.FrameRateHz < 1 || a.FrameRateHz > 1000 {
		return fmt.Errorf("aim.frame_rate_hz must be in [1,1000]")
	}
	return nil
}

// ShaperConfig converts the aim section for aim.NewShaper.
func (a AimConfig) ShaperConfig() aim.Config {
	return aim.Config{
		TurningAxis:      aim.TurningAxis(a.TurningAxis),
		YawSensitivity:   a.YawSensitivity,
		PitchSensitivity: a.PitchSensitivity,
		TighteningDegS:   a.TighteningDegS,
	}
}

// GateMode returns the parsed aim.mode. Load has already validated it.
func (a AimConfig) GateMode() aim.Mode {
	m, _ := aim.ParseMode(a.Mode)
	return m
}
