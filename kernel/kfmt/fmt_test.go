package kfmt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrintfBuffersUntilSinkIsAttached(t *testing.T) {
	defer func() {
		outputSink = nil
		earlyPrintBuffer = ringBuffer{}
	}()

	outputSink = nil
	earlyPrintBuffer = ringBuffer{}

	Printf("[pmm] available memory: %dKb\n", 1024)
	Printf("[cow] tracked frames: %d\n", 0)

	var buf bytes.Buffer
	SetOutputSink(&buf)
	require.Equal(t, "[pmm] available memory: 1024Kb\n[cow] tracked frames: 0\n", buf.String())

	buf.Reset()
	Printf("after %s", "attach")
	require.Equal(t, "after attach", buf.String())
	require.Zero(t, earlyPrintBuffer.Len(), "early buffer should be drained")
}

func TestFprintf(t *testing.T) {
	var buf bytes.Buffer
	Fprintf(&buf, "frame 0x%x", 0xbeef)
	require.Equal(t, "frame 0xbeef", buf.String())
}

func TestFprintfNilWriterUsesActiveSink(t *testing.T) {
	defer func() { outputSink = nil }()

	var buf bytes.Buffer
	outputSink = &buf
	Fprintf(nil, "to %s", "sink")
	require.Equal(t, "to sink", buf.String())
}
