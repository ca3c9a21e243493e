// Command saftd is the saftbus daemon: it listens on a Unix domain
// socket, hosts the bootstrap container service, and (for now, absent
// real timing-receiver hardware bindings) a demonstration counter
// service exercising the same registration and signal-fan-out paths
// real services use.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gsi-hb/saftbus"
	"github.com/gsi-hb/saftbus/internal/counter"
	"github.com/gsi-hb/saftbus/loop"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

const defaultSocketPath = "/var/run/saftbus/saftbus.sock"

var rootArgs struct {
	Socket string        `flag:"socket,Listening socket path (default: $SAFTBUS_SOCKET_PATH or the daemon's built-in default)"`
	Tick   time.Duration `flag:"tick,default=1s,Interval of the demonstration counter's ticker"`
}

func main() {
	root := &command.C{
		Name:     "saftd",
		Usage:    "saftd [options]",
		Help:     "Run the saftbus daemon.",
		SetFlags: command.Flags(flax.MustBind, &rootArgs),
		Run:      command.Adapt(runDaemon),
	}

	env := root.NewEnv(nil)
	command.RunOrFail(env, os.Args[1:])
}

func runDaemon(env *command.Env) error {
	socketPath := rootArgs.Socket
	if socketPath == "" {
		socketPath = os.Getenv("SAFTBUS_SOCKET_PATH")
	}
	if socketPath == "" {
		socketPath = defaultSocketPath
	}

	l := loop.New()

	stop, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-stop.Done()
		l.Quit()
	}()

	server, err := saftbus.NewServerConnection(l, socketPath, l.Quit)
	if err != nil {
		return fmt.Errorf("starting server connection on %q: %w", socketPath, err)
	}
	defer server.Close()

	demo := counter.New(server.Container(), "/de/gsi/saftbus/demo-counter")
	demo.ConnectTicker(l, rootArgs.Tick)

	log.Printf("saftd: listening on %s (demo counter at identity %d)", socketPath, demo.Identity())
	l.Run()
	return nil
}
