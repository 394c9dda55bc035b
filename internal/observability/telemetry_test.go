package observability

import (
	"context"
	"errors"
	"testing"
)

func TestTracerUsableWithoutInit(t *testing.T) {
	// Library embeddings never call Init; span creation must still work.
	if Tracer() == nil {
		t.Fatal("default tracer is nil")
	}

	ctx, span := StartSpan(context.Background(), "vela.session.bind",
		AttrTenantID.String("acme"))
	if ctx == nil || span == nil {
		t.Fatal("StartSpan returned nil without Init")
	}
	SetSpanError(span, errors.New("bind failed"))
	SetSpanOK(span)
	span.End()

	if Enabled() {
		t.Fatal("tracing should report disabled before Init")
	}
}

func TestInitDisabledKeepsNoopTracer(t *testing.T) {
	if err := Init(context.Background(), Config{Enabled: false}); err != nil {
		t.Fatalf("init disabled: %v", err)
	}
	if Enabled() {
		t.Fatal("disabled config must not enable tracing")
	}
	_, span := StartSpan(context.Background(), "vela.session.bind")
	span.End()
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}
