package telemetry

import (
	"context"
	"testing"

	"github.com/matheus3301/wppsync/internal/config"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zaptest"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TracingConfig{}, "main", zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); ok {
		t.Error("disabled tracing installed an sdk provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() = %v", err)
	}
}

func TestInitEmptyServiceName(t *testing.T) {
	cfg := config.TracingConfig{Endpoint: "localhost:4318"}
	if _, err := Init(context.Background(), cfg, "main", zaptest.NewLogger(t)); err == nil {
		t.Error("Init() with empty service name succeeded")
	}
}

func TestInitInstallsProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	cfg := config.TracingConfig{Endpoint: "localhost:4318", ServiceName: "wppsyncd", Insecure: true}
	shutdown, err := Init(context.Background(), cfg, "main", zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Errorf("provider = %T, want sdk provider", otel.GetTracerProvider())
	}
	_ = shutdown(context.Background())
}
