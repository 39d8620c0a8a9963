// Command avsw-repl is an interactive console for exercising a running
// avsw-slave by hand: eval <script>, getframe <clip> <n>, setvar <name>
// <value>, and quit. It is the practical analog of the reference
// implementation's testapp, driven a line at a time instead of scripted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/avsw/shmipc/internal/config"
	"github.com/avsw/shmipc/internal/ipc"
)

func main() {
	configPath := flag.String("config", config.DefaultFileName, "path to a JSONC config file")
	slavePath := flag.String("slave", "", "override the configured slave binary path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "avsw-repl:", err)
		os.Exit(1)
	}
	cfg = config.ApplyOverrides(cfg, config.Config{SlavePath: *slavePath})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hs, err := ipc.SpawnSlave(ctx, cfg.Layout(), cfg.SlavePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "avsw-repl: spawn slave:", err)
		os.Exit(1)
	}
	defer hs.Segment.Close()

	client := ipc.NewClient(hs.Segment, ipc.RoleMaster, nil)
	rl := ipc.NewRunloop(client, nil)
	client.Start(ctx)
	defer client.Stop()

	repl(ctx, client, rl)
}

var replCommands = []string{"eval ", "getframe ", "setvar ", "loadavisynth ", "newscriptenv", "help", "quit"}

func repl(ctx context.Context, client *ipc.Client, rl *ipc.Runloop) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) []string {
		var out []string
		for _, c := range replCommands {
			if strings.HasPrefix(c, prefix) {
				out = append(out, c)
			}
		}
		return out
	})

	histPath := historyPath()
	if f, err := os.Open(histPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Println("avsw-repl: connected. Type 'help' for commands, 'quit' to exit.")
	for {
		input, err := line.Prompt("avsw> ")
		if err != nil {
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if input == "quit" || input == "exit" {
			return
		}
		if err := dispatchLine(ctx, client, rl, input); err != nil {
			fmt.Println("error:", err)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".avsw-repl-history"
	}
	return home + "/.avsw-repl-history"
}

func dispatchLine(ctx context.Context, client *ipc.Client, rl *ipc.Runloop, input string) error {
	fields := strings.Fields(input)
	switch fields[0] {
	case "help":
		fmt.Println(`commands:
  loadavisynth <path>
  newscriptenv
  eval <script text...>
  setvar <name> <int value>
  getframe <clip id> <frame number>
  quit`)
		return nil

	case "loadavisynth":
		if len(fields) < 2 {
			return fmt.Errorf("usage: loadavisynth <path>")
		}
		_, err := client.SendSync(ctx, ipc.NewCommandLoadAvisynth(fields[1]))
		return err

	case "newscriptenv":
		_, err := client.SendSync(ctx, ipc.NewCommandNewScriptEnv())
		return err

	case "eval":
		if len(fields) < 2 {
			return fmt.Errorf("usage: eval <script text...>")
		}
		script := strings.Join(fields[1:], " ")
		off, err := client.WriteString(script)
		if err != nil {
			return err
		}
		_, err = client.SendSync(ctx, ipc.NewCommandEvalScript(off))
		return err

	case "setvar":
		if len(fields) < 3 {
			return fmt.Errorf("usage: setvar <name> <int value>")
		}
		n, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return fmt.Errorf("value must be an integer: %w", err)
		}
		_, err = client.SendSync(ctx, ipc.NewCommandSetScriptVar(fields[1], ipc.Value{Kind: ipc.KindInt, Int: n}))
		return err

	case "getframe":
		if len(fields) < 3 {
			return fmt.Errorf("usage: getframe <clip id> <frame number>")
		}
		clipID, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return fmt.Errorf("bad clip id: %w", err)
		}
		frameNum, err := strconv.ParseInt(fields[2], 10, 32)
		if err != nil {
			return fmt.Errorf("bad frame number: %w", err)
		}
		frame, err := rl.GetFrame(ctx, ipc.VideoFrameRequest{ClipID: uint32(clipID), FrameNumber: int32(frameNum)})
		if err != nil {
			return err
		}
		fmt.Printf("frame %d: %dx%d\n", frame.Request.FrameNumber, frame.Stride[0], frame.Height[0])
		return nil

	default:
		return fmt.Errorf("unknown command %q (try 'help')", fields[0])
	}
}
