package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/relaysync"
)

const defaultGraphBaseURL = "https://graph.microsoft.com"

func listen(addr string) (net.Listener, error) {
	if strings.TrimSpace(addr) == "" {
		addr = ":8080"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return listener, nil
}

func buildRunners(ctx context.Context, cfg *config.Config, store relaysync.CheckpointStore, metrics *relaysync.Metrics, hub *relaysync.ProgressHub, logger zerolog.Logger) ([]*relaysync.Runner, func(), error) {
	var closers []io.Closer
	closeAll := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}
	platform := relaysync.NewRESTClient(relaysync.RESTClientOptions{
		BaseURL:       cfg.Platform.BaseURL,
		TokenProvider: relaysync.StaticToken(cfg.Platform.APIToken),
		UserAgent:     "relaysync",
	})

	runners := make([]*relaysync.Runner, 0, len(cfg.Integrations))
	for _, ic := range cfg.Integrations {
		integration, closer, err := buildIntegration(ctx, ic, platform)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("integration %s: %w", ic.Name, err)
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		runner, err := relaysync.NewRunner(relaysync.RunnerOptions{
			Integration:         integration,
			Store:               store,
			PublicURL:           cfg.Server.PublicURL,
			ContinuationSecret:  cfg.Server.ContinuationSecret,
			ContinuationDelay:   cfg.Sync.ContinuationDelay,
			ContinuationRetries: cfg.Sync.ContinuationRetries,
			TimeBudget:          cfg.Sync.TimeBudget,
			LockTTL:             cfg.Sync.LockTTL,
			StallAfter:          cfg.Sync.StallAfter,
			RedeliveryBackoff:   cfg.Sync.RedeliveryBackoff,
			MaxRedeliveries:     cfg.Sync.MaxRedeliveries,
			Logger:              logger,
			Metrics:             metrics,
			Progress:            hub,
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("integration %s: %w", ic.Name, err)
		}
		runners = append(runners, runner)
	}
	if len(runners) == 0 {
		logger.Warn().Msg("no integrations configured")
	}
	return runners, closeAll, nil
}

// buildIntegration wires a configured integration to its vendor source and
// sink. The returned closer, when non-nil, releases sink resources.
func buildIntegration(ctx context.Context, ic config.IntegrationConfig, platform *relaysync.RESTClient) (relaysync.Integration, io.Closer, error) {
	integration := relaysync.Integration{
		Name:            ic.Name,
		Kind:            ic.Kind,
		PageSize:        ic.PageSize,
		SucceededEvents: ic.SucceededEvents,
		StartMode:       relaysync.StartMode(ic.StartMode),
		WebhookSecret:   ic.WebhookSecret,
	}
	baseURL := strings.TrimSpace(ic.BaseURL)
	switch ic.Kind {
	case "apify":
		if baseURL == "" {
			baseURL = relaysync.DefaultApifyBaseURL
		}
		integration.Source = relaysync.NewApifySource(vendorClient(baseURL, ic))
		defaultPageSize(&integration, relaysync.DefaultApifyPageSize)
		if len(integration.SucceededEvents) == 0 {
			integration.SucceededEvents = []string{relaysync.ApifySucceededEvent}
		}
		if integration.StartMode == "" {
			integration.StartMode = relaysync.StartOnWebhook
		}
	case "magento":
		if baseURL == "" {
			return relaysync.Integration{}, nil, fmt.Errorf("%w: base_url is required for magento", relaysync.ErrInvalidInput)
		}
		integration.Source = relaysync.NewMagentoSource(vendorClient(baseURL, ic))
		defaultPageSize(&integration, relaysync.DefaultMagentoPageSize)
	case "sharepoint":
		if baseURL == "" {
			baseURL = defaultGraphBaseURL
		}
		integration.Source = relaysync.NewSharePointSource(vendorClient(baseURL, ic), ic.DriveID)
		defaultPageSize(&integration, relaysync.DefaultSharePointPageSize)
	default:
		return relaysync.Integration{}, nil, fmt.Errorf("%w: unknown integration kind %q", relaysync.ErrInvalidInput, ic.Kind)
	}
	if integration.StartMode == "" {
		integration.StartMode = relaysync.StartImmediately
	}

	switch ic.Sink.Kind {
	case "", "file":
		integration.Sink = relaysync.NewFileSink(platform, ic.Name)
	case "table":
		integration.Sink = relaysync.NewTableSink(platform)
	case "gcs":
		sink, err := relaysync.NewGCSSink(ctx, ic.Sink.Bucket, ic.Sink.Prefix, ic.Name)
		if err != nil {
			return relaysync.Integration{}, nil, fmt.Errorf("gcs sink: %w", err)
		}
		integration.Sink = sink
		return integration, sink, nil
	default:
		return relaysync.Integration{}, nil, fmt.Errorf("%w: unknown sink kind %q", relaysync.ErrInvalidInput, ic.Sink.Kind)
	}
	return integration, nil, nil
}

func vendorClient(baseURL string, ic config.IntegrationConfig) *relaysync.RESTClient {
	return relaysync.NewRESTClient(relaysync.RESTClientOptions{
		BaseURL:       baseURL,
		TokenProvider: relaysync.StaticToken(ic.ResolveToken()),
		UserAgent:     "relaysync/" + ic.Kind,
	})
}

func defaultPageSize(integration *relaysync.Integration, fallback int) {
	if integration.PageSize <= 0 {
		integration.PageSize = fallback
	}
}
