package ipc

import (
	"encoding/binary"
	"fmt"
	"math"
)

// envelopeMagic identifies a serialized command. envelopeSize is the fixed
// header preceding every command's kind-specific payload.
const (
	envelopeMagic = "cmdx"
	envelopeSize  = 20 // magic(4) + totalSize(4) + transactionID(4) + responseID(4) + type(4)
)

var byteOrder = binary.LittleEndian

// Encode serializes cmd into a self-contained frame: envelope plus
// kind-specific payload, ready to hand to a Queue.Write.
func Encode(cmd Command) ([]byte, error) {
	payload, err := encodePayload(cmd)
	if err != nil {
		return nil, err
	}

	total := envelopeSize + len(payload)
	if total > math.MaxUint32 {
		return nil, fmt.Errorf("%w: command too large (%d bytes)", ErrBadFrame, total)
	}

	buf := make([]byte, total)
	copy(buf[0:4], envelopeMagic)
	byteOrder.PutUint32(buf[4:8], uint32(total))
	byteOrder.PutUint32(buf[8:12], cmd.TransactionID())
	byteOrder.PutUint32(buf[12:16], cmd.ResponseID())
	byteOrder.PutUint32(buf[16:20], uint32(cmd.Kind()))
	copy(buf[envelopeSize:], payload)
	return buf, nil
}

// DecodeAll splits buf, the result of one Queue.ReadAll drain, into the
// sequence of frames it contains: a drain can contain more than one
// command if the peer issued several writes between reads. A frame whose
// kind tag is unrecognized is skipped rather than treated as fatal, the
// same as the reference recv loop's "pos += raw_command->size; if
// (!command) continue" — the envelope's magic and declared size are
// already validated by the time the kind is known, so the frame boundary
// is trustworthy even though its payload can't be interpreted. Only a bad
// magic, a truncated envelope, or an out-of-range size — cases where the
// boundary itself can't be trusted — abort the whole batch.
func DecodeAll(buf []byte) ([]Command, error) {
	var cmds []Command
	for len(buf) > 0 {
		cmd, n, err := decodeOne(buf)
		if err != nil {
			return cmds, err
		}
		if cmd != nil {
			cmds = append(cmds, cmd)
		}
		buf = buf[n:]
	}
	return cmds, nil
}

// decodeOne decodes the single frame at the front of buf. It returns a nil
// Command with a nil error, alongside the frame's declared total size, when
// the envelope itself is well-formed but its kind tag is unrecognized: the
// caller advances past it and continues rather than aborting.
func decodeOne(buf []byte) (Command, int, error) {
	if len(buf) < envelopeSize {
		return nil, 0, fmt.Errorf("%w: truncated envelope (%d bytes)", ErrBadFrame, len(buf))
	}
	if string(buf[0:4]) != envelopeMagic {
		return nil, 0, fmt.Errorf("%w: bad magic %q", ErrBadFrame, buf[0:4])
	}
	total := byteOrder.Uint32(buf[4:8])
	if int(total) < envelopeSize || int(total) > len(buf) {
		return nil, 0, fmt.Errorf("%w: size %d out of range (have %d)", ErrBadFrame, total, len(buf))
	}
	transactionID := byteOrder.Uint32(buf[8:12])
	responseID := byteOrder.Uint32(buf[12:16])
	kind := CommandKind(byteOrder.Uint32(buf[16:20]))

	if kind < KindAck || kind > KindSetFrame {
		logf("ipc: skipping unknown command kind %d (%d bytes)", kind, total)
		return nil, int(total), nil
	}

	payload := buf[envelopeSize:total]
	cmd, err := decodePayload(kind, payload)
	if err != nil {
		return nil, 0, err
	}
	cmd.SetTransactionID(transactionID)
	cmd.SetResponseID(responseID)
	return cmd, int(total), nil
}

func encodePayload(cmd Command) ([]byte, error) {
	switch c := cmd.(type) {
	case *CommandAck:
		return nil, nil
	case *CommandErr:
		return nil, nil
	case *CommandSetLogFile:
		return encodeString(c.Path), nil
	case *CommandLoadAvisynth:
		return encodeString(c.Path), nil
	case *CommandNewScriptEnv:
		return nil, nil
	case *CommandGetScriptVar:
		return encodeString(c.Name), nil
	case *CommandSetScriptVar:
		return encodeSetScriptVar(c), nil
	case *CommandEvalScript:
		buf := make([]byte, 4)
		byteOrder.PutUint32(buf, c.Arg)
		return buf, nil
	case *CommandGetFrame:
		return encodeFrameRequest(c.Request), nil
	case *CommandSetFrame:
		return encodeFrame(c.Frame), nil
	default:
		return nil, fmt.Errorf("%w: unknown command type %T", ErrBadFrame, cmd)
	}
}

func decodePayload(kind CommandKind, payload []byte) (Command, error) {
	switch kind {
	case KindAck:
		return NewCommandAck(), nil
	case KindErr:
		return NewCommandErr(), nil
	case KindSetLogFile:
		path, _, err := decodeString(payload)
		if err != nil {
			return nil, err
		}
		return NewCommandSetLogFile(path), nil
	case KindLoadAvisynth:
		path, _, err := decodeString(payload)
		if err != nil {
			return nil, err
		}
		return NewCommandLoadAvisynth(path), nil
	case KindNewScriptEnv:
		return NewCommandNewScriptEnv(), nil
	case KindGetScriptVar:
		name, _, err := decodeString(payload)
		if err != nil {
			return nil, err
		}
		return NewCommandGetScriptVar(name), nil
	case KindSetScriptVar:
		return decodeSetScriptVar(payload)
	case KindEvalScript:
		if len(payload) < 4 {
			return nil, fmt.Errorf("%w: EVAL_SCRIPT payload too short", ErrBadFrame)
		}
		return NewCommandEvalScript(byteOrder.Uint32(payload[0:4])), nil
	case KindGetFrame:
		req, err := decodeFrameRequest(payload)
		if err != nil {
			return nil, err
		}
		return NewCommandGetFrame(req), nil
	case KindSetFrame:
		frame, err := decodeFrame(payload)
		if err != nil {
			return nil, err
		}
		return NewCommandSetFrame(frame), nil
	default:
		return nil, fmt.Errorf("%w: unknown command kind %d", ErrBadFrame, kind)
	}
}

// encodeString writes a uint32 length prefix, the raw UTF-8 bytes, and a
// trailing null terminator: the length prefix remains authoritative for
// reading, but the terminator is still written on the wire to match
// ipc::serialize_str's layout (length-prefixed chars plus a trailing '\0').
func encodeString(s string) []byte {
	buf := make([]byte, 4+len(s)+1)
	byteOrder.PutUint32(buf[0:4], uint32(len(s)))
	copy(buf[4:], s)
	return buf
}

func decodeString(buf []byte) (string, int, error) {
	if len(buf) < 4 {
		return "", 0, fmt.Errorf("%w: string length truncated", ErrBadFrame)
	}
	n := byteOrder.Uint32(buf[0:4])
	total := 4 + int(n) + 1
	if total > len(buf) {
		return "", 0, fmt.Errorf("%w: string body truncated", ErrBadFrame)
	}
	return string(buf[4 : 4+n]), total, nil
}

// alignUp8 rounds n up to the next multiple of 8, the alignment of Value.
func alignUp8(n int) int {
	if rem := n % 8; rem != 0 {
		n += 8 - rem
	}
	return n
}

func encodeSetScriptVar(c *CommandSetScriptVar) []byte {
	nameBuf := encodeString(c.Name)
	padded := alignUp8(len(nameBuf))

	buf := make([]byte, padded+valueWireSize)
	copy(buf, nameBuf)
	encodeValueInto(buf[padded:], c.Value)
	return buf
}

func decodeSetScriptVar(payload []byte) (*CommandSetScriptVar, error) {
	name, n, err := decodeString(payload)
	if err != nil {
		return nil, err
	}
	off := alignUp8(n)
	if off+valueWireSize > len(payload) {
		return nil, fmt.Errorf("%w: SET_SCRIPT_VAR value truncated", ErrBadFrame)
	}
	value, err := decodeValue(payload[off : off+valueWireSize])
	if err != nil {
		return nil, err
	}
	return NewCommandSetScriptVar(name, value), nil
}

func encodeValueInto(buf []byte, v Value) {
	buf[0] = byte(v.Kind)
	switch v.Kind {
	case KindClip:
		byteOrder.PutUint64(buf[8:16], uint64(v.ClipID))
	case KindBool:
		if v.Bool {
			buf[8] = 1
		}
	case KindInt:
		byteOrder.PutUint64(buf[8:16], uint64(v.Int))
	case KindFloat:
		byteOrder.PutUint64(buf[8:16], math.Float64bits(v.Float))
	case KindString:
		byteOrder.PutUint64(buf[8:16], uint64(v.StringOff))
	}
}

func decodeValue(buf []byte) (Value, error) {
	if len(buf) < valueWireSize {
		return Value{}, fmt.Errorf("%w: Value payload truncated", ErrBadFrame)
	}
	v := Value{Kind: ValueKind(buf[0])}
	switch v.Kind {
	case KindClip:
		v.ClipID = uint32(byteOrder.Uint64(buf[8:16]))
	case KindBool:
		v.Bool = buf[8] != 0
	case KindInt:
		v.Int = int64(byteOrder.Uint64(buf[8:16]))
	case KindFloat:
		v.Float = math.Float64frombits(byteOrder.Uint64(buf[8:16]))
	case KindString:
		v.StringOff = uint32(byteOrder.Uint64(buf[8:16]))
	default:
		return Value{}, fmt.Errorf("%w: unknown Value kind %q", ErrBadFrame, v.Kind)
	}
	return v, nil
}

func encodeFrameRequest(r VideoFrameRequest) []byte {
	buf := make([]byte, videoFrameRequestWireSize)
	byteOrder.PutUint32(buf[0:4], r.ClipID)
	byteOrder.PutUint32(buf[4:8], uint32(r.FrameNumber))
	return buf
}

func decodeFrameRequest(buf []byte) (VideoFrameRequest, error) {
	if len(buf) < videoFrameRequestWireSize {
		return VideoFrameRequest{}, fmt.Errorf("%w: GET_FRAME payload too short", ErrBadFrame)
	}
	return VideoFrameRequest{
		ClipID:      byteOrder.Uint32(buf[0:4]),
		FrameNumber: int32(byteOrder.Uint32(buf[4:8])),
	}, nil
}

func encodeFrame(f VideoFrame) []byte {
	buf := make([]byte, videoFrameWireSize)
	copy(buf[0:8], encodeFrameRequest(f.Request))
	byteOrder.PutUint32(buf[8:12], f.HeapOffset)
	for i := 0; i < 4; i++ {
		byteOrder.PutUint32(buf[12+4*i:16+4*i], uint32(f.Stride[i]))
	}
	for i := 0; i < 4; i++ {
		byteOrder.PutUint32(buf[28+4*i:32+4*i], uint32(f.Height[i]))
	}
	return buf
}

func decodeFrame(buf []byte) (VideoFrame, error) {
	if len(buf) < videoFrameWireSize {
		return VideoFrame{}, fmt.Errorf("%w: SET_FRAME payload too short", ErrBadFrame)
	}
	req, err := decodeFrameRequest(buf[0:8])
	if err != nil {
		return VideoFrame{}, err
	}
	f := VideoFrame{Request: req, HeapOffset: byteOrder.Uint32(buf[8:12])}
	for i := 0; i < 4; i++ {
		f.Stride[i] = int32(byteOrder.Uint32(buf[12+4*i : 16+4*i]))
	}
	for i := 0; i < 4; i++ {
		f.Height[i] = int32(byteOrder.Uint32(buf[28+4*i : 32+4*i]))
	}
	return f, nil
}
