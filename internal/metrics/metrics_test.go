package metrics

import (
	"context"
	"testing"
)

func TestRecordStartedAndTerminalDoNotPanic(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	r.RecordStarted(ctx, "public.orders")
	r.RecordTerminal(ctx, "public.orders", "SUCCESS", 1.5, false)
	r.RecordTerminal(ctx, "public.cached_task", "SUCCESS", 0, true)
	r.RecordTerminal(ctx, "public.failed_task", "FAILED", 0, false)

	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
