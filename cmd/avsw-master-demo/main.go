// Command avsw-master-demo is the 64-bit-process side of the bridge: it
// spawns an avsw-slave child with the shared-memory segment inherited on
// fd 3, drives a short scripted exchange over it (load, register a clip,
// fetch a frame), and exits. It is the practical analog of the reference
// implementation's testapp, run non-interactively with no user input.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/avsw/shmipc/internal/config"
	"github.com/avsw/shmipc/internal/ipc"
)

func main() {
	configPath := flag.String("config", config.DefaultFileName, "path to a JSONC config file")
	slavePath := flag.String("slave", "", "override the configured slave binary path")
	verbose := flag.Bool("verbose", false, "keep the ipc package's diagnostic log output")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("avsw-master-demo: %v", err)
	}
	overrides := config.Config{SlavePath: *slavePath, LogVerbose: *verbose}
	cfg = config.ApplyOverrides(cfg, overrides)

	if !cfg.LogVerbose {
		ipc.SetLogHandler(nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hs, err := ipc.SpawnSlave(ctx, cfg.Layout(), cfg.SlavePath)
	if err != nil {
		log.Fatalf("avsw-master-demo: spawn slave: %v", err)
	}
	defer hs.Segment.Close()

	client := ipc.NewClient(hs.Segment, ipc.RoleMaster, nil)
	rl := ipc.NewRunloop(client, nil)
	client.Start(ctx)
	defer client.Stop()

	if err := run(ctx, client, rl); err != nil {
		log.Fatalf("avsw-master-demo: %v", err)
	}
}

func run(ctx context.Context, client *ipc.Client, rl *ipc.Runloop) error {
	if _, err := client.SendSync(ctx, ipc.NewCommandLoadAvisynth("/opt/avisynth/avisynth.dll")); err != nil {
		return fmt.Errorf("load avisynth: %w", err)
	}

	scriptOff, err := client.WriteString("register_clip 1920 1080 100")
	if err != nil {
		return fmt.Errorf("write script: %w", err)
	}
	if _, err := client.SendSync(ctx, ipc.NewCommandEvalScript(scriptOff)); err != nil {
		return fmt.Errorf("eval script: %w", err)
	}

	frame, err := rl.GetFrame(ctx, ipc.VideoFrameRequest{ClipID: 0, FrameNumber: 5})
	if err != nil {
		return fmt.Errorf("get frame: %w", err)
	}
	fmt.Printf("frame %d: %dx%d\n", frame.Request.FrameNumber, frame.Stride[0], frame.Height[0])

	return nil
}
