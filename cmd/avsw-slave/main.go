// Command avsw-slave is the 32-bit-process side of the bridge: it opens
// the shared-memory segment inherited from its parent on fd 3, marks
// itself ready, and services commands from the master until it receives
// SIGINT or SIGTERM. The master closing the segment ends the client's
// receive loop but not the process.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/avsw/shmipc/internal/ipc"
)

func main() {
	verbose := flag.Bool("verbose", false, "keep the ipc package's diagnostic log output")
	flag.Parse()

	if !*verbose {
		ipc.SetLogHandler(nil)
	}

	slaveArgs, _, err := ipc.ParseSlaveArgs(flag.Args())
	if err != nil {
		log.Fatalf("avsw-slave: %v", err)
	}

	seg, err := ipc.OpenInheritedSegment(slaveArgs)
	if err != nil {
		log.Fatalf("avsw-slave: open inherited segment: %v", err)
	}
	defer seg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := ipc.NewClient(seg, ipc.RoleSlave, nil)
	env := newScriptEnv()
	client.SetUnsolicitedHandler(env.handle(client))
	client.Start(ctx)

	<-ctx.Done()
	if err := client.Stop(); err != nil {
		log.Printf("avsw-slave: client stopped with error: %v", err)
	}
}
