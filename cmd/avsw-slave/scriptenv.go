package main

import (
	"fmt"
	"log"
	"sync"

	"github.com/avsw/shmipc/internal/ipc"
	"github.com/avsw/shmipc/internal/shm"
)

// scriptEnv is a minimal stand-in for the AviSynth interpreter the
// reference slave process hosts: a name/value table of script variables
// and a registry of clips that GET_FRAME can address, reset wholesale on
// NEW_SCRIPT_ENV the way the original always recreates its script
// environment from scratch rather than mutating it incrementally.
type scriptEnv struct {
	mu sync.Mutex

	avisynthPath string
	vars         map[string]ipc.Value
	clips        map[uint32]ipc.Clip
	nextClipID   uint32
}

func newScriptEnv() *scriptEnv {
	return &scriptEnv{
		vars:  make(map[string]ipc.Value),
		clips: make(map[uint32]ipc.Clip),
	}
}

// handle returns the unsolicited-command callback wired into client, bound
// to client so replies can be sent back through it.
func (e *scriptEnv) handle(client *ipc.Client) func(ipc.Command) {
	return func(cmd ipc.Command) {
		if cmd == nil {
			return
		}
		reply, err := e.dispatch(client, cmd)
		if err != nil {
			log.Printf("avsw-slave: %s failed: %v", cmd.Kind(), err)
			errCmd := ipc.NewCommandErr()
			errCmd.SetResponseID(cmd.TransactionID())
			if _, sendErr := client.SendAsync(errCmd); sendErr != nil {
				log.Printf("avsw-slave: failed to send err reply: %v", sendErr)
			}
			return
		}
		if reply == nil {
			return
		}
		reply.SetResponseID(cmd.TransactionID())
		if _, err := client.SendAsync(reply); err != nil {
			log.Printf("avsw-slave: failed to send reply: %v", err)
		}
	}
}

func (e *scriptEnv) dispatch(client *ipc.Client, cmd ipc.Command) (ipc.Command, error) {
	switch c := cmd.(type) {
	case *ipc.CommandLoadAvisynth:
		e.mu.Lock()
		e.avisynthPath = c.Path
		e.mu.Unlock()
		return ipc.NewCommandAck(), nil

	case *ipc.CommandNewScriptEnv:
		e.reset(client)
		return ipc.NewCommandAck(), nil

	case *ipc.CommandGetScriptVar:
		e.mu.Lock()
		v, ok := e.vars[c.Name]
		e.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("no such script variable %q", c.Name)
		}
		return ipc.NewCommandSetScriptVar(c.Name, v), nil

	case *ipc.CommandSetScriptVar:
		e.setVar(client, c.Name, c.Value)
		c.RelinquishHeapResources()
		return ipc.NewCommandAck(), nil

	case *ipc.CommandEvalScript:
		text, err := client.ReadString(c.Arg)
		if err != nil {
			return nil, err
		}
		if err := client.Deallocate(c.Arg); err != nil {
			return nil, err
		}
		c.RelinquishHeapResources()
		return e.eval(text)

	case *ipc.CommandGetFrame:
		frame, err := e.frame(c.Request)
		if err != nil {
			return nil, err
		}
		return ipc.NewCommandSetFrame(frame), nil

	default:
		return nil, fmt.Errorf("unexpected command kind %s", cmd.Kind())
	}
}

// reset discards every script variable and clip, freeing any heap strings
// the variables still own.
func (e *scriptEnv) reset(client *ipc.Client) {
	e.mu.Lock()
	vars := e.vars
	e.vars = make(map[string]ipc.Value)
	e.clips = make(map[uint32]ipc.Clip)
	e.nextClipID = 0
	e.mu.Unlock()

	for _, v := range vars {
		if v.OwnsHeapString() {
			_ = client.Deallocate(v.StringOff)
		}
	}
}

func (e *scriptEnv) setVar(client *ipc.Client, name string, v ipc.Value) {
	e.mu.Lock()
	old, had := e.vars[name]
	e.vars[name] = v
	e.mu.Unlock()

	if had && old.OwnsHeapString() {
		_ = client.Deallocate(old.StringOff)
	}
}

// eval is a deliberately small stand-in for invoking the AviSynth
// interpreter: it recognizes one directive, "register_clip <width> <height>
// <frames>", which creates a synthetic clip GET_FRAME can later address.
// Anything else is accepted as a no-op, matching how a script consisting
// purely of variable assignments produces no clip.
func (e *scriptEnv) eval(script string) (ipc.Command, error) {
	var width, height, frames int32
	if n, _ := fmt.Sscanf(script, "register_clip %d %d %d", &width, &height, &frames); n == 3 {
		e.mu.Lock()
		id := e.nextClipID
		e.nextClipID++
		e.clips[id] = ipc.Clip{
			ClipID: id,
			Info: ipc.VideoInfo{
				Width:       width,
				Height:      height,
				FPSNum:      24000,
				FPSDen:      1001,
				NumFrames:   frames,
				ColorFamily: ipc.ColorRGB24,
			},
		}
		e.mu.Unlock()
	}
	return ipc.NewCommandAck(), nil
}

// frame synthesizes a frame for a registered clip: a zero-length payload
// describing its geometry. A real slave would decode pixel data into a
// heap allocation here and set HeapOffset/Stride accordingly.
func (e *scriptEnv) frame(req ipc.VideoFrameRequest) (ipc.VideoFrame, error) {
	e.mu.Lock()
	clip, ok := e.clips[req.ClipID]
	e.mu.Unlock()
	if !ok {
		return ipc.VideoFrame{}, fmt.Errorf("no such clip %d", req.ClipID)
	}
	if req.FrameNumber < 0 || (clip.Info.NumFrames > 0 && req.FrameNumber >= clip.Info.NumFrames) {
		return ipc.VideoFrame{}, fmt.Errorf("frame %d out of range for clip %d", req.FrameNumber, req.ClipID)
	}
	return ipc.VideoFrame{
		Request:    req,
		HeapOffset: shm.NullOffset,
		Stride:     [4]int32{clip.Info.Width, 0, 0, 0},
		Height:     [4]int32{clip.Info.Height, 0, 0, 0},
	}, nil
}
