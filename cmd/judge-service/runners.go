package main

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"codejudge/internal/judge/model"
	"codejudge/internal/judge/runner"
	"codejudge/internal/judge/runner/judge0"
	"codejudge/internal/judge/runner/relational"
	"codejudge/internal/judge/runner/tabular"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

func buildRegistry(ctx context.Context, cfg RunnersConfig) (*runner.Registry, error) {
	disabled := func(lang model.Language) bool {
		return slices.ContainsFunc(cfg.Disabled, func(d string) bool {
			return strings.EqualFold(strings.TrimSpace(d), string(lang))
		})
	}
	registry := runner.NewRegistry()

	if cfg.Judge0.BaseURL != "" {
		remote, err := judge0.New(cfg.Judge0, nil)
		if err != nil {
			return nil, fmt.Errorf("init judge0 runner: %w", err)
		}
		for lang := range cfg.Judge0.LanguageIDs {
			if !disabled(lang) {
				registry.Register(lang, remote, false)
			}
		}
	} else {
		logger.Warn(ctx, "judge0 base url not configured, program languages disabled")
	}

	if !disabled(model.LanguageSQL) {
		sqlRunner, err := relational.New(cfg.Relational)
		if err != nil {
			return nil, fmt.Errorf("init relational runner: %w", err)
		}
		registry.Register(model.LanguageSQL, sqlRunner, true)
	}
	if !disabled(model.LanguagePandas) {
		pandasRunner, err := tabular.New(cfg.Tabular)
		if err != nil {
			return nil, fmt.Errorf("init tabular runner: %w", err)
		}
		registry.Register(model.LanguagePandas, pandasRunner, true)
	}

	langs := registry.Languages()
	names := make([]string, len(langs))
	for i, l := range langs {
		names[i] = string(l)
	}
	slices.Sort(names)
	logger.Info(ctx, "runners registered", zap.Strings("languages", names))
	return registry, nil
}
