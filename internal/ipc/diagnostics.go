package ipc

import (
	"bytes"
	"errors"
	"fmt"

	natomic "github.com/natefinch/atomic"

	"github.com/avsw/shmipc/internal/shm"
)

// DumpHeapDiagnostics writes a textual dump of the segment's heap node
// list to path, replacing any existing file atomically so a reader never
// observes a half-written dump. Intended for IPCHeapFull handling: a host
// process can capture the dump path in its error report before retrying
// or giving up.
func DumpHeapDiagnostics(seg *shm.Segment, path string) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "heap capacity=%d usage=%d lastFreeOff=%#x\n\n",
		seg.Heap.Capacity(), seg.Heap.Usage(), seg.Heap.LastFreeOff())
	if err := seg.Heap.DumpNodes(&buf); err != nil {
		return fmt.Errorf("ipc: dump heap nodes: %w", err)
	}
	if err := natomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("ipc: write heap diagnostics %s: %w", path, err)
	}
	return nil
}

// DumpHeapDiagnosticsOnErr is a convenience wrapper for error paths: if err
// is (or wraps) an *IPCHeapFull, it writes that dump to path and returns
// err annotated with the path; other errors pass through untouched.
func DumpHeapDiagnosticsOnErr(err error, path string) error {
	var full *IPCHeapFull
	if !errors.As(err, &full) {
		return err
	}
	if writeErr := natomic.WriteFile(path, bytes.NewBufferString(full.Dump)); writeErr != nil {
		return fmt.Errorf("%w (diagnostics write also failed: %v)", err, writeErr)
	}
	return fmt.Errorf("%w (diagnostics written to %s)", err, path)
}
