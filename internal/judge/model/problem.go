package model

import (
	"encoding/json"
	"time"
)

const (
	DefaultTimeLimitMs   = 2000
	DefaultMemoryLimitMb = 256
)

// Language identifies a submission language.
type Language string

const (
	LanguageCPP        Language = "cpp"
	LanguageJava       Language = "java"
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
	LanguageSQL        Language = "sql"
	LanguagePandas     Language = "pandas"
)

// ComparatorType selects how actual output is checked against the expected one.
type ComparatorType string

const (
	ComparatorExact ComparatorType = "exact"
	ComparatorToken ComparatorType = "token"
	ComparatorTable ComparatorType = "table"
)

// ComparatorConfig holds per-testcase comparison rules.
type ComparatorConfig struct {
	Type           ComparatorType `json:"type"`
	TrimWhitespace bool           `json:"trimWhitespace"`
	OrderSensitive bool           `json:"orderSensitive"`
	IgnoreCase     bool           `json:"ignoreCase"`
}

// DefaultComparatorConfig is used when a testcase carries no rules.
func DefaultComparatorConfig() ComparatorConfig {
	return ComparatorConfig{Type: ComparatorExact, TrimWhitespace: true, OrderSensitive: true}
}

// UnmarshalJSON applies defaults for fields absent from the payload.
func (c *ComparatorConfig) UnmarshalJSON(data []byte) error {
	type plain ComparatorConfig
	cfg := plain(DefaultComparatorConfig())
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}
	if cfg.Type == "" {
		cfg.Type = ComparatorExact
	}
	*c = ComparatorConfig(cfg)
	return nil
}

// Testcase is one input/expected-output pair of a problem.
type Testcase struct {
	ID               string           `json:"id"`
	Input            string           `json:"input"`
	ExpectedOutput   string           `json:"expectedOutput"`
	IsPublic         bool             `json:"isPublic"`
	Weight           int              `json:"weight"`
	ComparatorConfig ComparatorConfig `json:"comparatorConfig"`
	TimeoutMs        *int64           `json:"timeoutMs,omitempty"`
}

// UnmarshalJSON applies defaults for weight and comparator rules.
func (t *Testcase) UnmarshalJSON(data []byte) error {
	type plain Testcase
	tc := plain{Weight: 1, ComparatorConfig: DefaultComparatorConfig()}
	if err := json.Unmarshal(data, &tc); err != nil {
		return err
	}
	*t = Testcase(tc)
	return nil
}

// Problem is the read-only problem definition plus its statistics.
type Problem struct {
	ID                 string     `json:"id"`
	TimeLimitPerTestMs int64      `json:"timeLimitPerTestMs"`
	MemoryLimitMb      int64      `json:"memoryLimitMb"`
	AllowedLanguages   []Language `json:"allowedLanguages"`
	DatasetID          *string    `json:"datasetId,omitempty"`
	Testcases          []Testcase `json:"testcases"`
	TotalSubmissions   int64      `json:"totalSubmissions"`
	TotalAccepted      int64      `json:"totalAccepted"`
	AcceptanceRate     float64    `json:"acceptanceRate"`
}

// TimeLimit returns the limit for one testcase, preferring its own override.
func (p *Problem) TimeLimit(tc Testcase) time.Duration {
	if tc.TimeoutMs != nil && *tc.TimeoutMs > 0 {
		return time.Duration(*tc.TimeoutMs) * time.Millisecond
	}
	if p.TimeLimitPerTestMs > 0 {
		return time.Duration(p.TimeLimitPerTestMs) * time.Millisecond
	}
	return DefaultTimeLimitMs * time.Millisecond
}

// MemoryLimit returns the memory cap in megabytes.
func (p *Problem) MemoryLimit() int64 {
	if p.MemoryLimitMb > 0 {
		return p.MemoryLimitMb
	}
	return DefaultMemoryLimitMb
}

// Allows reports whether lang may be used; an empty list allows every language.
func (p *Problem) Allows(lang Language) bool {
	if len(p.AllowedLanguages) == 0 {
		return true
	}
	for _, l := range p.AllowedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}
