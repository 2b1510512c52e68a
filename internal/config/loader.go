package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Load] for fields left empty in the YAML file. They
// match a typical deployment: a local broker, a 30 s command cap, and a
// half-second endpointing pause.
const (
	defaultListenAddr        = ":8000"
	defaultBrokerHost        = "localhost"
	defaultBrokerPort        = 1883
	defaultBroadcastTopic    = "assistant/comms_bridge/broadcast"
	defaultKeyword           = "hey_nova"
	defaultWakeThreshold     = 0.95
	defaultDebounceSeconds   = 3.0
	defaultVADThreshold      = 0.6
	defaultMaxCommandSeconds = 30
	defaultMaxPauseSeconds   = 0.5
	defaultSpeechTimeout     = 10.0
)

// Load reads the YAML configuration file at path, applies defaults, and
// returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero-valued fields. The broker client ID falls back
// to the machine hostname so a fleet of gateways gets distinct topics
// without per-device configuration.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = defaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Broker.Host == "" {
		cfg.Broker.Host = defaultBrokerHost
	}
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = defaultBrokerPort
	}
	if cfg.Broker.ClientID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Broker.ClientID = host
		} else {
			cfg.Broker.ClientID = "echogate"
		}
	}
	if cfg.Broker.BroadcastTopic == "" {
		cfg.Broker.BroadcastTopic = defaultBroadcastTopic
	}
	if cfg.Wake.Keyword == "" {
		cfg.Wake.Keyword = defaultKeyword
	}
	if cfg.Wake.Threshold == 0 {
		cfg.Wake.Threshold = defaultWakeThreshold
	}
	if cfg.Wake.DebounceSeconds == 0 {
		cfg.Wake.DebounceSeconds = defaultDebounceSeconds
	}
	if cfg.VAD.Threshold == 0 {
		cfg.VAD.Threshold = defaultVADThreshold
	}
	if cfg.Capture.MaxCommandSeconds == 0 {
		cfg.Capture.MaxCommandSeconds = defaultMaxCommandSeconds
	}
	if cfg.Capture.MaxPauseSeconds == 0 {
		cfg.Capture.MaxPauseSeconds = defaultMaxPauseSeconds
	}
	if cfg.Speech.TimeoutSeconds == 0 {
		cfg.Speech.TimeoutSeconds = defaultSpeechTimeout
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Broker.Port <= 0 || cfg.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker.port %d is out of range", cfg.Broker.Port))
	}
	if cfg.Wake.ModelURL == "" {
		errs = append(errs, errors.New("wake.model_url is required"))
	}
	if cfg.Wake.Threshold < 0 || cfg.Wake.Threshold > 1 {
		errs = append(errs, fmt.Errorf("wake.threshold %v is out of range [0, 1]", cfg.Wake.Threshold))
	}
	if cfg.Wake.DebounceSeconds < 0 {
		errs = append(errs, fmt.Errorf("wake.debounce_seconds %v must not be negative", cfg.Wake.DebounceSeconds))
	}
	if cfg.VAD.ModelURL == "" {
		errs = append(errs, errors.New("vad.model_url is required"))
	}
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %v is out of range [0, 1]", cfg.VAD.Threshold))
	}
	if cfg.Capture.MaxCommandSeconds <= 0 {
		errs = append(errs, fmt.Errorf("capture.max_command_seconds %d must be positive", cfg.Capture.MaxCommandSeconds))
	}
	if cfg.Capture.MaxPauseSeconds <= 0 {
		errs = append(errs, fmt.Errorf("capture.max_pause_seconds %v must be positive", cfg.Capture.MaxPauseSeconds))
	}
	if cfg.Speech.TranscriptionURL == "" {
		errs = append(errs, errors.New("speech.transcription_url is required"))
	}
	if cfg.Speech.SynthesisURL == "" {
		errs = append(errs, errors.New("speech.synthesis_url is required"))
	}
	if cfg.Speech.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("speech.timeout_seconds %v must be positive", cfg.Speech.TimeoutSeconds))
	}

	return errors.Join(errs...)
}
