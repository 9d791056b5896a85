package internal

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDecorateLogger(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)

	ctx := OperationContext(context.Background(), "enter")
	SetContextUserID(ctx, "alice")
	SetContextRoom(ctx, "room-1", 3)
	DecorateLogger(ctx, l.Info()).Msg("hello")

	got := buf.String()
	for _, want := range []string{`"op":"enter"`, `"u":"alice"`, `"r":"room-1"`, `"e":3`} {
		if !strings.Contains(got, want) {
			t.Errorf("log line %s missing %s", got, want)
		}
	}
}

func TestDecorateLoggerWithoutOperationContext(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)
	ctx := context.Background()
	// must not panic when the context was never prepared
	SetContextUserID(ctx, "alice")
	SetContextRoom(ctx, "room-1", 1)
	DecorateLogger(ctx, l.Info()).Msg("hello")
	if strings.Contains(buf.String(), "alice") {
		t.Errorf("unexpected user field in %s", buf.String())
	}
}
