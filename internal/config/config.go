// Package config provides the configuration schema, loader, and validation
// for the echogate audio gateway.
package config

import "fmt"

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for echogate. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Broker  BrokerConfig  `yaml:"broker"`
	Wake    WakeConfig    `yaml:"wake"`
	VAD     VADConfig     `yaml:"vad"`
	Capture CaptureConfig `yaml:"capture"`
	Speech  SpeechConfig  `yaml:"speech"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP/WebSocket server listens on
	// (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// BrokerConfig holds MQTT connection settings and topic derivation.
type BrokerConfig struct {
	// Host is the MQTT broker hostname.
	Host string `yaml:"host"`

	// Port is the MQTT broker port.
	Port int `yaml:"port"`

	// ClientID identifies this gateway on the broker and in derived topics.
	// Defaults to the machine hostname.
	ClientID string `yaml:"client_id"`

	// BroadcastTopic carries fleet-wide announcements delivered to every
	// live session.
	BroadcastTopic string `yaml:"broadcast_topic"`

	// BaseTopic overrides the derived base topic when non-empty.
	BaseTopic string `yaml:"base_topic"`

	// InputTopic overrides the derived command input topic when non-empty.
	InputTopic string `yaml:"input_topic"`
}

// WakeConfig holds wake-word detection settings.
type WakeConfig struct {
	// ModelURL is the wake-word inference endpoint.
	ModelURL string `yaml:"model_url"`

	// Keyword names the wake-word model to score against.
	Keyword string `yaml:"keyword"`

	// Threshold is the trigger probability. Range [0, 1].
	Threshold float64 `yaml:"threshold"`

	// DebounceSeconds is the minimum time between two accepted triggers.
	DebounceSeconds float64 `yaml:"debounce_seconds"`
}

// VADConfig holds voice-activity detection settings.
type VADConfig struct {
	// ModelURL is the VAD inference endpoint.
	ModelURL string `yaml:"model_url"`

	// Threshold is the speech probability above which a frame counts as
	// voice. Range [0, 1].
	Threshold float64 `yaml:"threshold"`
}

// CaptureConfig bounds a single spoken-command capture.
type CaptureConfig struct {
	// MaxCommandSeconds caps the capture duration.
	MaxCommandSeconds int `yaml:"max_command_seconds"`

	// MaxPauseSeconds is the trailing-silence duration that ends a capture.
	MaxPauseSeconds float64 `yaml:"max_pause_seconds"`
}

// SpeechConfig points at the STT and TTS collaborator services.
type SpeechConfig struct {
	// TranscriptionURL is the speech-to-text endpoint.
	TranscriptionURL string `yaml:"transcription_url"`

	// TranscriptionToken is the user token sent with STT requests.
	TranscriptionToken string `yaml:"transcription_token"`

	// SynthesisURL is the text-to-speech endpoint.
	SynthesisURL string `yaml:"synthesis_url"`

	// SynthesisToken is the user token sent with TTS requests.
	SynthesisToken string `yaml:"synthesis_token"`

	// TimeoutSeconds bounds every STT/TTS request.
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
}

// EffectiveBaseTopic returns the configured base topic, or the derived
// default "assistant/comms_bridge/all/<client_id>".
func (b BrokerConfig) EffectiveBaseTopic() string {
	if b.BaseTopic != "" {
		return b.BaseTopic
	}
	return fmt.Sprintf("assistant/comms_bridge/all/%s", b.ClientID)
}

// EffectiveInputTopic returns the configured input topic, or "<base>/input".
func (b BrokerConfig) EffectiveInputTopic() string {
	if b.InputTopic != "" {
		return b.InputTopic
	}
	return b.EffectiveBaseTopic() + "/input"
}

// BrokerURL returns the paho connection URL for the broker.
func (b BrokerConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", b.Host, b.Port)
}
