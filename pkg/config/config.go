package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ModelSettings struct {
		MaxNewTokens  int     `yaml:"max_new_tokens"`
		Temperature   float64 `yaml:"temperature"`
		TopP          float64 `yaml:"top_p"`
		RepeatLastN   int     `yaml:"repeat_last_n"`
		RepeatPenalty float64 `yaml:"repeat_penalty"`
		Threads       int     `yaml:"threads"`
	} `yaml:"model_settings"`
	Remote struct {
		APIKey           string   `yaml:"-"`
		BaseURL          string   `yaml:"base_url"`
		Models           []string `yaml:"models"`
		TimeoutSeconds   float64  `yaml:"timeout_seconds"`
		MaxAttempts      int      `yaml:"max_attempts"`
		InitialBackoffMS int      `yaml:"initial_backoff_ms"`
		MaxBackoffMS     int      `yaml:"max_backoff_ms"`
	} `yaml:"remote"`
	Local struct {
		Enabled         *bool    `yaml:"enabled"`
		Host            string   `yaml:"host"`
		ModelsDir       string   `yaml:"models_dir"`
		Repository      string   `yaml:"repository"`
		BaselineModel   string   `yaml:"baseline_model"`
		FineTunedSlots  []string `yaml:"fine_tuned_slots"`
		MemoryCeilingMB int      `yaml:"memory_ceiling_mb"`
	} `yaml:"local"`
	Persona struct {
		AdviceAge   int    `yaml:"advice_age"`
		DefaultMode string `yaml:"default_mode"`
	} `yaml:"persona"`
	Routing struct {
		RemoteModes []string `yaml:"remote_modes"`
	} `yaml:"routing"`
	Cache struct {
		Enabled    bool   `yaml:"enabled"`
		URL        string `yaml:"-"`
		Prefix     string `yaml:"prefix"`
		TTLMinutes int    `yaml:"ttl_minutes"`
	} `yaml:"cache"`
	Image struct {
		MaxDimension int `yaml:"max_dimension"`
		Quality      int `yaml:"quality"`
		ThresholdKB  int `yaml:"threshold_kb"`
	} `yaml:"image"`
	Server struct {
		Addr                   string `yaml:"addr"`
		ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	} `yaml:"server"`
	Logging struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"logging"`
}

// LoadConfig reads path, falling back to defaults when the file is missing.
// Fields left empty in the file also take their defaults.
func LoadConfig(path string) (*Config, error) {
	config := &Config{}

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		config.applyDefaults()
		return config, nil
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = yaml.Unmarshal(file, config)
	if err != nil {
		return nil, err
	}

	config.applyDefaults()
	return config, nil
}

func (c *Config) applyDefaults() {
	ms := &c.ModelSettings
	if ms.MaxNewTokens <= 0 {
		ms.MaxNewTokens = 150
	}
	if ms.Temperature <= 0 {
		ms.Temperature = 0.9
	}
	if ms.TopP <= 0 {
		ms.TopP = 0.92
	}
	if ms.RepeatLastN <= 0 {
		ms.RepeatLastN = 64
	}
	if ms.RepeatPenalty <= 0 {
		ms.RepeatPenalty = 1.3
	}
	if ms.Threads <= 0 {
		ms.Threads = 1
	}

	r := &c.Remote
	if r.BaseURL == "" {
		r.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if len(r.Models) == 0 {
		r.Models = []string{"gemini-2.0-flash", "gemini-1.5-flash"}
	}
	if r.TimeoutSeconds <= 0 {
		r.TimeoutSeconds = 15
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.InitialBackoffMS <= 0 {
		r.InitialBackoffMS = 1000
	}
	if r.MaxBackoffMS <= 0 {
		r.MaxBackoffMS = 8000
	}

	l := &c.Local
	if l.Enabled == nil {
		enabled := true
		l.Enabled = &enabled
	}
	if l.Host == "" {
		l.Host = "http://127.0.0.1:11434"
	}
	if l.ModelsDir == "" {
		l.ModelsDir = "models"
	}
	if l.Repository == "" {
		l.Repository = "personabot"
	}
	if l.BaselineModel == "" {
		l.BaselineModel = "smollm:135m"
	}
	if l.FineTunedSlots == nil {
		l.FineTunedSlots = []string{"roast", "relationship"}
	}
	if l.MemoryCeilingMB <= 0 {
		l.MemoryCeilingMB = 512
	}

	if c.Persona.AdviceAge <= 0 {
		c.Persona.AdviceAge = 20
	}
	if c.Persona.DefaultMode == "" {
		c.Persona.DefaultMode = "roast"
	}

	if c.Routing.RemoteModes == nil {
		c.Routing.RemoteModes = []string{"relationship", "smart", "friend"}
	}

	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "personabot"
	}
	if c.Cache.TTLMinutes <= 0 {
		c.Cache.TTLMinutes = 60
	}

	if c.Image.MaxDimension <= 0 {
		c.Image.MaxDimension = 1024
	}
	if c.Image.Quality <= 0 {
		c.Image.Quality = 85
	}
	if c.Image.ThresholdKB <= 0 {
		c.Image.ThresholdKB = 256
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8000"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// ApplyEnv copies secrets and host overrides from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	c.Remote.APIKey = strings.TrimSpace(getenv("GEMINI_API_KEY"))
	if url := strings.TrimSpace(getenv("REDIS_URL")); url != "" {
		c.Cache.URL = url
		c.Cache.Enabled = true
	}
	if host := strings.TrimSpace(getenv("OLLAMA_HOST")); host != "" {
		c.Local.Host = host
	}
}

// LocalEnabled reports whether the local backend should be started.
func (c *Config) LocalEnabled() bool {
	return c.Local.Enabled == nil || *c.Local.Enabled
}

func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds * float64(time.Second))
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLMinutes) * time.Minute
}

func (c *Config) MemoryCeilingBytes() int64 {
	return int64(c.Local.MemoryCeilingMB) * 1024 * 1024
}
