package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitInstallsProvider(t *testing.T) {
	t.Setenv("SAVESTATE_VERSION", "test")
	shutdown, err := Init(t.Context(), Config{ServiceName: "savestate-test", SaveDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	_, span := otel.Tracer("test").Start(t.Context(), "Init.Smoke")
	defer span.End()
	if !span.SpanContext().IsValid() {
		t.Fatal("sdk provider should produce valid span contexts")
	}
}
