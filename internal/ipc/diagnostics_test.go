package ipc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avsw/shmipc/internal/shm"
)

func TestDumpHeapDiagnosticsWritesFile(t *testing.T) {
	seg, err := shm.CreateSegment(shm.Layout{QueueCapacity: 4096, HeapCapacity: 4096})
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })

	path := filepath.Join(t.TempDir(), "heap.txt")
	require.NoError(t, DumpHeapDiagnostics(seg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "heap capacity=")
	require.Contains(t, string(data), "usage=")
}

func TestDumpHeapDiagnosticsOnErrAnnotatesPath(t *testing.T) {
	orig := &IPCHeapFull{Requested: 999, Dump: "  [0, 100) free size=100\n"}
	path := filepath.Join(t.TempDir(), "oom.txt")

	wrapped := DumpHeapDiagnosticsOnErr(orig, path)
	require.ErrorIs(t, wrapped, orig)
	require.Contains(t, wrapped.Error(), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, orig.Dump, string(data))
}

func TestDumpHeapDiagnosticsOnErrPassesThroughOtherErrors(t *testing.T) {
	got := DumpHeapDiagnosticsOnErr(ErrClosed, filepath.Join(t.TempDir(), "unused.txt"))
	require.ErrorIs(t, got, ErrClosed)
}
