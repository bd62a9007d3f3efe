// Package source provides the content-source implementations behind the
// domain.Source interface, selected by configuration: html scrapes the
// public listing markup, api uses authenticated credentials, mock is
// offline-safe synthetic data for demos and tests.
package source

import (
	"fmt"

	"github.com/qepting91/reddit-harvester/internal/config"
	"github.com/qepting91/reddit-harvester/internal/domain"
	"github.com/qepting91/reddit-harvester/internal/fetcher"
)

// New selects the correct implementation based on the configured mode.
func New(cfg *config.Config) (domain.Source, error) {
	switch cfg.Source.Mode {
	case "html":
		f := fetcher.New(fetcher.Options{
			UserAgent: cfg.Source.UserAgent,
			Timeout:   cfg.Source.Timeout,
			Interval:  cfg.Crawl.RequestInterval,
			Attempts:  cfg.Crawl.RetryBudget,
		})
		return NewHTML(f, cfg.Source.BaseURL)
	case "api":
		return NewAPI(cfg.Source, cfg.Crawl.RequestInterval)
	case "mock":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown SOURCE_MODE: %s (use 'html', 'api', or 'mock')", cfg.Source.Mode)
	}
}
