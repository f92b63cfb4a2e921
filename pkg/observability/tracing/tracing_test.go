package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpan_DisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(false)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer shutdown(context.Background())
	_, sp := StartSpan(context.Background(), "noop")
	sp.End(errors.New("ignored"))
}

func TestStartSpan_Records(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	shutdown := SetupWithProcessor(rec)
	defer shutdown(context.Background())

	_, sp := StartSpan(context.Background(), "coordinator.MarkMemberDown", attribute.String("cluster", "c1"))
	sp.End(errors.New("boom"))

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	if ended[0].Name() != "coordinator.MarkMemberDown" {
		t.Fatalf("name = %q", ended[0].Name())
	}
	if ended[0].Status().Code != codes.Error {
		t.Fatalf("status = %v", ended[0].Status())
	}
}
