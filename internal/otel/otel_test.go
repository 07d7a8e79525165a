package otel

import (
	"context"
	"strings"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected non-nil noop tracer and meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", SampleRate: 0.5})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
	_, span := StartSpan(context.Background(), p.Tracer, "extension.install",
		AttrExtensionID.String("blog"),
		AttrVersion.String("1.2.0"),
	)
	span.End()
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestShutdown_NilProvider(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil provider shutdown: %v", err)
	}
}

func TestSpanHelpers(t *testing.T) {
	p := Noop()
	_, s1 := StartServerSpan(context.Background(), p.Tracer, "http.install", AttrHTTPRoute.String("/api/extensions/{id}/install"))
	s1.End()
	_, s2 := StartClientSpan(context.Background(), p.Tracer, "marketplace.download")
	s2.End()
}

func TestSampler(t *testing.T) {
	cases := map[float64]string{
		0:    "AlwaysOnSampler",
		1:    "AlwaysOnSampler",
		2:    "AlwaysOnSampler",
		0.25: "TraceIDRatioBased{0.25}",
	}
	for rate, want := range cases {
		got := sampler(rate).Description()
		if !strings.Contains(got, want) {
			t.Errorf("sampler(%v) = %q, want it to contain %q", rate, got, want)
		}
	}
}

func TestInit_StdoutExporterWithVersion(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "stdout", ServiceVersion: "v1.2.3"})
	if err != nil {
		t.Fatalf("Init stdout: %v", err)
	}
	defer p.Shutdown(context.Background())
	if p.TracerProvider == nil {
		t.Fatal("expected sdk tracer provider")
	}
	attrs := serviceAttributes(Config{ServiceVersion: "v1.2.3"})
	if len(attrs) != 2 || attrs[1].Value.AsString() != "v1.2.3" {
		t.Fatalf("unexpected service attributes %v", attrs)
	}
}
