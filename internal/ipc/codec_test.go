package ipc

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, cmd Command) Command {
	t.Helper()
	cmd.SetTransactionID(42)
	cmd.SetResponseID(7)

	buf, err := Encode(cmd)
	require.NoError(t, err)

	cmds, err := DecodeAll(buf)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.Equal(t, uint32(42), cmds[0].TransactionID())
	require.Equal(t, uint32(7), cmds[0].ResponseID())
	return cmds[0]
}

func TestCodecAck(t *testing.T) {
	got := roundTrip(t, NewCommandAck())
	require.Equal(t, KindAck, got.Kind())
}

func TestCodecErr(t *testing.T) {
	got := roundTrip(t, NewCommandErr())
	_, ok := got.(*CommandErr)
	require.True(t, ok)
}

func TestCodecSetLogFile(t *testing.T) {
	got := roundTrip(t, NewCommandSetLogFile("/var/log/avsw.log"))
	cmd, ok := got.(*CommandSetLogFile)
	require.True(t, ok)
	require.Equal(t, "/var/log/avsw.log", cmd.Path)
}

func TestCodecSetScriptVarString(t *testing.T) {
	val := Value{Kind: KindString, StringOff: 1024}
	got := roundTrip(t, NewCommandSetScriptVar("clip_path", val))
	cmd, ok := got.(*CommandSetScriptVar)
	require.True(t, ok)
	require.Equal(t, "clip_path", cmd.Name)
	require.Equal(t, val, cmd.Value)
}

func TestCodecSetScriptVarInt(t *testing.T) {
	val := Value{Kind: KindInt, Int: -12345}
	got := roundTrip(t, NewCommandSetScriptVar("n", val))
	cmd := got.(*CommandSetScriptVar)
	require.Equal(t, int64(-12345), cmd.Value.Int)
}

func TestCodecSetScriptVarFloat(t *testing.T) {
	val := Value{Kind: KindFloat, Float: 3.25}
	got := roundTrip(t, NewCommandSetScriptVar("f", val))
	cmd := got.(*CommandSetScriptVar)
	require.InDelta(t, 3.25, cmd.Value.Float, 0)
}

func TestCodecSetScriptVarBool(t *testing.T) {
	val := Value{Kind: KindBool, Bool: true}
	got := roundTrip(t, NewCommandSetScriptVar("b", val))
	cmd := got.(*CommandSetScriptVar)
	require.True(t, cmd.Value.Bool)
}

func TestCodecEvalScript(t *testing.T) {
	got := roundTrip(t, NewCommandEvalScript(9001))
	cmd := got.(*CommandEvalScript)
	require.Equal(t, uint32(9001), cmd.Arg)
}

func TestCodecGetFrame(t *testing.T) {
	req := VideoFrameRequest{ClipID: 3, FrameNumber: -1}
	got := roundTrip(t, NewCommandGetFrame(req))
	cmd := got.(*CommandGetFrame)
	require.Equal(t, req, cmd.Request)
}

func TestCodecSetFrame(t *testing.T) {
	frame := VideoFrame{
		Request:    VideoFrameRequest{ClipID: 1, FrameNumber: 10},
		HeapOffset: 2048,
		Stride:     [4]int32{640, 320, 320, 0},
		Height:     [4]int32{480, 240, 240, 0},
	}
	got := roundTrip(t, NewCommandSetFrame(frame))
	cmd := got.(*CommandSetFrame)
	// VideoFrame has enough fields that a require.Equal failure here just
	// prints two structs; go-cmp's diff pinpoints which plane mismatched.
	if diff := cmp.Diff(frame, cmd.Frame); diff != "" {
		t.Fatalf("SET_FRAME round trip (-want +got):\n%s", diff)
	}
}

func TestDecodeAllSkipsUnknownKind(t *testing.T) {
	a, err := Encode(NewCommandAck())
	require.NoError(t, err)

	unknown, err := Encode(NewCommandAck())
	require.NoError(t, err)
	byteOrder.PutUint32(unknown[16:20], 0xffff) // no such CommandKind

	b, err := Encode(NewCommandErr())
	require.NoError(t, err)

	cmds, err := DecodeAll(append(append(a, unknown...), b...))
	require.NoError(t, err)
	require.Len(t, cmds, 2, "the unrecognized frame is skipped, not appended or fatal")
	require.Equal(t, KindAck, cmds[0].Kind())
	require.Equal(t, KindErr, cmds[1].Kind())
}

func TestDecodeAllSplitsMultipleFrames(t *testing.T) {
	a, err := Encode(NewCommandAck())
	require.NoError(t, err)
	b, err := Encode(NewCommandErr())
	require.NoError(t, err)

	cmds, err := DecodeAll(append(a, b...))
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	require.Equal(t, KindAck, cmds[0].Kind())
	require.Equal(t, KindErr, cmds[1].Kind())
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf, err := Encode(NewCommandAck())
	require.NoError(t, err)
	buf[0] = 'x'

	_, err = DecodeAll(buf)
	require.ErrorIs(t, err, ErrBadFrame)
}

func TestDecodeRejectsTruncatedEnvelope(t *testing.T) {
	_, err := DecodeAll([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrBadFrame)
}
