package tracing

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/econaxis/imgrepo/pkg/logger"
)

func TestSpanTree(t *testing.T) {
	ctx := logger.WithRequestID(context.Background(), "req-1")
	ctx, root := Start(ctx, "search")
	_, child := Start(ctx, "execute")
	child.SetAttr("terms", 2)
	child.End()
	root.End()

	assert.Equal(t, "req-1", root.TraceID)
	assert.Equal(t, "req-1", child.TraceID)
	require.Len(t, root.Children(), 1)
	assert.Same(t, child, root.Children()[0])
	assert.Same(t, root, FromContext(ctx))
}

func TestSetAttrOnNilSpan(t *testing.T) {
	var s *Span
	assert.NotPanics(t, func() { s.SetAttr("k", "v") })
	assert.Nil(t, FromContext(context.Background()))
}

func TestLogWritesDebugLines(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(logger.New(&buf, "debug", "text"))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx, root := Start(context.Background(), "flush")
	_, child := Start(ctx, "persist")
	child.End()
	root.End()
	root.Log(ctx)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "span=flush")
	assert.Contains(t, lines[1], "span=persist")
	assert.Contains(t, lines[1], "depth=1")
}

func TestLogSkippedAboveDebug(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(logger.New(&buf, "info", "text"))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx, root := Start(context.Background(), "search")
	root.End()
	root.Log(ctx)
	assert.Empty(t, buf.String())
}
