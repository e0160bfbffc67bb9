package main

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/relaysync"
)

func TestBuildIntegrationAppliesKindDefaults(t *testing.T) {
	platform := relaysync.NewRESTClient(relaysync.RESTClientOptions{BaseURL: "http://platform.invalid"})

	apify, closer, err := buildIntegration(context.Background(), config.IntegrationConfig{Name: "apify-main", Kind: "apify"}, platform)
	if err != nil || closer != nil {
		t.Fatalf("build apify: err=%v closer=%v", err, closer)
	}
	if apify.PageSize != relaysync.DefaultApifyPageSize || apify.StartMode != relaysync.StartOnWebhook {
		t.Fatalf("unexpected apify defaults %+v", apify)
	}
	if len(apify.SucceededEvents) != 1 || apify.SucceededEvents[0] != relaysync.ApifySucceededEvent {
		t.Fatalf("expected apify succeeded event, got %v", apify.SucceededEvents)
	}
	if _, ok := apify.Source.(*relaysync.ApifySource); !ok {
		t.Fatalf("expected apify source, got %T", apify.Source)
	}
	if _, ok := apify.Sink.(*relaysync.FileSink); !ok {
		t.Fatalf("expected default file sink, got %T", apify.Sink)
	}

	magento, _, err := buildIntegration(context.Background(), config.IntegrationConfig{
		Name: "catalog", Kind: "magento", BaseURL: "https://shop.example.com", PageSize: 25, Sink: config.SinkConfig{Kind: "table"},
	}, platform)
	if err != nil {
		t.Fatalf("build magento: %v", err)
	}
	if magento.PageSize != 25 || magento.StartMode != relaysync.StartImmediately {
		t.Fatalf("unexpected magento integration %+v", magento)
	}
	if _, ok := magento.Sink.(*relaysync.TableSink); !ok {
		t.Fatalf("expected table sink, got %T", magento.Sink)
	}

	sharepoint, _, err := buildIntegration(context.Background(), config.IntegrationConfig{Name: "docs", Kind: "sharepoint", DriveID: "drive"}, platform)
	if err != nil {
		t.Fatalf("build sharepoint: %v", err)
	}
	if sharepoint.PageSize != relaysync.DefaultSharePointPageSize {
		t.Fatalf("unexpected sharepoint page size %d", sharepoint.PageSize)
	}
}

func TestBuildIntegrationRejectsBadConfig(t *testing.T) {
	platform := relaysync.NewRESTClient(relaysync.RESTClientOptions{})
	cases := []config.IntegrationConfig{
		{Name: "m", Kind: "magento"},
		{Name: "x", Kind: "ftp"},
		{Name: "a", Kind: "apify", Sink: config.SinkConfig{Kind: "s3"}},
	}
	for _, ic := range cases {
		if _, _, err := buildIntegration(context.Background(), ic, platform); !errors.Is(err, relaysync.ErrInvalidInput) {
			t.Fatalf("%+v: expected ErrInvalidInput, got %v", ic, err)
		}
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second},
		Store:  config.StoreConfig{DSN: "memory://"},
		Sync:   config.SyncConfig{TimeBudget: time.Second, SweepInterval: time.Hour},
		Platform: config.PlatformConfig{
			BaseURL: "http://platform.invalid",
		},
		Integrations: []config.IntegrationConfig{{Name: "apify-main", Kind: "apify"}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, nil, zerolog.Nop(), ready)
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("server never became ready")
	}
	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy server, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancellation")
	}
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("RELAYSYNC_TEST_VALUE", "  set ")
	if got := envOrDefault("RELAYSYNC_TEST_VALUE", "fallback"); got != "set" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	if got := envOrDefault("RELAYSYNC_TEST_UNSET_VALUE", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}
