package judge0

import (
	"time"

	"codejudge/internal/judge/model"
)

// Config holds the remote execution backend settings.
type Config struct {
	BaseURL string `yaml:"baseURL"`
	// RapidAPI credentials; both headers are omitted when empty.
	APIKey  string `yaml:"apiKey"`
	APIHost string `yaml:"apiHost"`
	// AuthToken is sent as X-Auth-Token for self-hosted deployments.
	AuthToken      string                 `yaml:"authToken"`
	LanguageIDs    map[model.Language]int `yaml:"languageIds"`
	PollAttempts   int                    `yaml:"pollAttempts"`
	PollInterval   time.Duration          `yaml:"pollInterval"`
	RequestTimeout time.Duration          `yaml:"requestTimeout"`
}

// DefaultLanguageIDs maps languages to the backend's language ids.
func DefaultLanguageIDs() map[model.Language]int {
	return map[model.Language]int{
		model.LanguageCPP:        54,
		model.LanguageJava:       62,
		model.LanguagePython:     71,
		model.LanguageJavaScript: 63,
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.PollAttempts <= 0 {
		c.PollAttempts = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	defaults := DefaultLanguageIDs()
	if c.LanguageIDs == nil {
		c.LanguageIDs = defaults
		return
	}
	for lang, id := range defaults {
		if _, ok := c.LanguageIDs[lang]; !ok {
			c.LanguageIDs[lang] = id
		}
	}
}
