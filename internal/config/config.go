package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// MEETSCRIBE_LLM_API_KEY or MEETSCRIBE_TRANSCRIPTION_API_KEY.
const EnvPrefix = "MEETSCRIBE"

type Config struct {
	LogLevel      string              `json:"log_level" mapstructure:"log_level" yaml:"log_level"`
	AutoSummarize bool                `json:"auto_summarize" mapstructure:"auto_summarize" yaml:"auto_summarize"`
	Audio         AudioConfig         `json:"audio" mapstructure:"audio" yaml:"audio"`
	Transcription TranscriptionConfig `json:"transcription" mapstructure:"transcription" yaml:"transcription"`
	LLM           LLMConfig           `json:"llm" mapstructure:"llm" yaml:"llm"`
	Export        ExportConfig        `json:"export" mapstructure:"export" yaml:"export"`
	Server        ServerConfig        `json:"server" mapstructure:"server" yaml:"server"`
}

type AudioConfig struct {
	MicDeviceID      string        `json:"mic_device_id" mapstructure:"mic_device_id" yaml:"mic_device_id"`
	SystemDeviceID   string        `json:"system_device_id" mapstructure:"system_device_id" yaml:"system_device_id"` // loopback/monitor input carrying system audio
	SampleRate       int           `json:"sample_rate" mapstructure:"sample_rate" yaml:"sample_rate"`
	ChunkInterval    time.Duration `json:"chunk_interval" mapstructure:"chunk_interval" yaml:"chunk_interval"`
	EchoCancellation bool          `json:"echo_cancellation" mapstructure:"echo_cancellation" yaml:"echo_cancellation"`
	NoiseSuppression bool          `json:"noise_suppression" mapstructure:"noise_suppression" yaml:"noise_suppression"`
	NoiseGate        float32       `json:"noise_gate" mapstructure:"noise_gate" yaml:"noise_gate"`
}

type TranscriptionConfig struct {
	URL               string        `json:"url" mapstructure:"url" yaml:"url"`
	APIKey            string        `json:"api_key" mapstructure:"api_key" yaml:"-"`
	LanguageBehaviour string        `json:"language_behaviour" mapstructure:"language_behaviour" yaml:"language_behaviour"`
	HandshakeTimeout  time.Duration `json:"handshake_timeout" mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
}

type LLMConfig struct {
	URL         string        `json:"url" mapstructure:"url" yaml:"url"`
	APIKey      string        `json:"api_key" mapstructure:"api_key" yaml:"-"`
	Model       string        `json:"model" mapstructure:"model" yaml:"model"`
	Temperature float64       `json:"temperature" mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `json:"max_tokens" mapstructure:"max_tokens" yaml:"max_tokens"`
	TopP        float64       `json:"top_p" mapstructure:"top_p" yaml:"top_p"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout" yaml:"timeout"`
}

type ExportConfig struct {
	Dir string `json:"dir" mapstructure:"dir" yaml:"dir"`
}

type ServerConfig struct {
	Addr string `json:"addr" mapstructure:"addr" yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:      "info",
		AutoSummarize: true,
		Audio: AudioConfig{
			MicDeviceID:      "",
			SystemDeviceID:   "",
			SampleRate:       48000,
			ChunkInterval:    time.Second,
			EchoCancellation: true,
			NoiseSuppression: true,
			NoiseGate:        0.01,
		},
		Transcription: TranscriptionConfig{
			URL:               "wss://api.gladia.io/audio/text/audio-transcription",
			LanguageBehaviour: "automatic single language",
			HandshakeTimeout:  15 * time.Second,
		},
		LLM: LLMConfig{
			URL:         "https://api.groq.com/openai/v1/chat/completions",
			Model:       "llama3-8b-8192",
			Temperature: 0.5,
			MaxTokens:   1024,
			TopP:        1,
			Timeout:     60 * time.Second,
		},
		Export: ExportConfig{
			Dir: ExportsPath(),
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8765",
		},
	}
}

// Load reads the config from disk, layering MEETSCRIBE_* environment
// overrides on top. A missing file yields the defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if cfgFile == "" {
		cfgFile = configPath()
	}
	v.SetConfigFile(cfgFile)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it even when
// the file does not mention it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("auto_summarize", d.AutoSummarize)

	v.SetDefault("audio.mic_device_id", d.Audio.MicDeviceID)
	v.SetDefault("audio.system_device_id", d.Audio.SystemDeviceID)
	v.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	v.SetDefault("audio.chunk_interval", d.Audio.ChunkInterval)
	v.SetDefault("audio.echo_cancellation", d.Audio.EchoCancellation)
	v.SetDefault("audio.noise_suppression", d.Audio.NoiseSuppression)
	v.SetDefault("audio.noise_gate", d.Audio.NoiseGate)

	v.SetDefault("transcription.url", d.Transcription.URL)
	v.SetDefault("transcription.api_key", d.Transcription.APIKey)
	v.SetDefault("transcription.language_behaviour", d.Transcription.LanguageBehaviour)
	v.SetDefault("transcription.handshake_timeout", d.Transcription.HandshakeTimeout)

	v.SetDefault("llm.url", d.LLM.URL)
	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.temperature", d.LLM.Temperature)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.top_p", d.LLM.TopP)
	v.SetDefault("llm.timeout", d.LLM.Timeout)

	v.SetDefault("export.dir", d.Export.Dir)
	v.SetDefault("server.addr", d.Server.Addr)
}

// Save writes the config to disk
func (c *Config) Save() error {
	return c.SaveTo(configPath())
}

// SaveTo writes the config to path. The file holds credentials, so it is
// owner-only.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Path returns the default config file location.
func Path() string {
	return configPath()
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "meetscribe", "config.json")
}

// ExportsPath returns the platform-specific directory for exported documents
func ExportsPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Documents"
	case "windows":
		base = os.Getenv("USERPROFILE") + "\\Documents"
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.local/share"
		}
	}

	return filepath.Join(base, "meetscribe")
}
