// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"os"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

func TestOTLPSmoke(t *testing.T) {
	if os.Getenv("BASTION_OTLP_SMOKE_TEST") != "1" {
		t.Skip("set BASTION_OTLP_SMOKE_TEST=1 to run")
	}

	endpoint := os.Getenv("BASTION_TELEMETRY_OTLP_ENDPOINT")
	if endpoint == "" {
		t.Skip("set BASTION_TELEMETRY_OTLP_ENDPOINT for OTLP smoke test")
	}

	cfg := Config{
		Exporter:     "otlp",
		OTLPEndpoint: endpoint,
		OTLPInsecure: os.Getenv("BASTION_TELEMETRY_OTLP_INSECURE") == "true",
	}
	shutdown, err := InitWithConfig("telemetry-smoke-test", "dev", cfg)
	if err != nil {
		t.Fatalf("failed to init telemetry: %v", err)
	}

	ctx, span := otel.Tracer("bastion/telemetry-smoke").Start(context.Background(), "smoke.span")
	span.SetAttributes(attribute.String("smoke.test", "otlp"))
	span.End()

	metrics, err := NewSecurityMetrics()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	metrics.RecordDenial(ctx, "command", "execute_command", "smoke")

	time.Sleep(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("telemetry shutdown failed: %v", err)
	}
}
