// Command saftbusctl is a small interactive client for a running
// saftbus daemon: resolve a path, call a method on the demonstration
// counter service, or listen for its signals.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gsi-hb/saftbus"
	"github.com/gsi-hb/saftbus/internal/counter"
	"github.com/gsi-hb/saftbus/wire"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/kr/pretty"
)

var globalArgs struct {
	Socket string `flag:"socket,Daemon socket path (ignored when $SAFTBUS_SOCKET_PATH is set)"`
}

func dial() (*saftbus.ClientConnection, error) {
	return saftbus.Dial(globalArgs.Socket)
}

func main() {
	root := &command.C{
		Name:     "saftbusctl",
		Usage:    "saftbusctl command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "resolve",
				Usage: "resolve path",
				Help:  "Resolve an object path to a numeric identity.",
				Run:   command.Adapt(runResolve),
			},
			{
				Name:  "increment",
				Usage: "increment path [delta]",
				Help:  "Call the demonstration counter's Increment method.",
				Run:   runIncrement,
			},
			{
				Name:  "listen",
				Usage: "listen path",
				Help:  "Subscribe to the demonstration counter's Changed signal.",
				Run:   command.Adapt(runListen),
			},
			{
				Name:  "quit",
				Usage: "quit",
				Help:  "Ask the daemon to shut down.",
				Run:   command.Adapt(runQuit),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	env := root.NewEnv(nil)
	command.RunOrFail(env, os.Args[1:])
}

func runResolve(env *command.Env, path string) error {
	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	group, err := saftbus.NewSignalGroup()
	if err != nil {
		return err
	}
	defer group.Close()

	p, err := saftbus.NewProxy(path, group, conn, nil)
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Printf("%s -> identity %d\n", path, p.Identity())
	return nil
}

func runIncrement(env *command.Env) error {
	if len(env.Args) < 1 {
		return fmt.Errorf("usage: increment path [delta]")
	}
	path := env.Args[0]

	delta := int64(1)
	if len(env.Args) > 1 {
		v, err := strconv.ParseInt(env.Args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("parsing delta %q: %w", env.Args[1], err)
		}
		delta = v
	}

	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	group, err := saftbus.NewSignalGroup()
	if err != nil {
		return err
	}
	defer group.Close()

	p, err := saftbus.NewProxy(path, group, conn, nil)
	if err != nil {
		return err
	}
	defer p.Close()

	reply, err := p.Call(0, counter.FnIncrement, func(in *wire.Serializer) {
		in.PutInt32(int32(delta))
	})
	if err != nil {
		return err
	}
	value, err := reply.GetInt32()
	if err != nil {
		return fmt.Errorf("decoding reply: %w", err)
	}
	fmt.Printf("counter is now %d\n", value)
	return nil
}

func runListen(env *command.Env, path string) error {
	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	group, err := saftbus.NewSignalGroup()
	if err != nil {
		return err
	}
	defer group.Close()

	p, err := saftbus.NewProxy(path, group, conn, func(interfaceNo int, payload *wire.Deserializer) {
		signalNo, err := payload.GetUint32()
		if err != nil {
			fmt.Fprintf(os.Stderr, "malformed signal: %v\n", err)
			return
		}
		if signalNo != counter.SigChanged {
			return
		}
		value, err := payload.GetInt32()
		if err != nil {
			fmt.Fprintf(os.Stderr, "malformed signal payload: %v\n", err)
			return
		}
		fmt.Printf("changed: %# v\n", pretty.Formatter(struct{ Value int32 }{value}))
	})
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Printf("listening on %s (identity %d); Ctrl-C to stop\n", path, p.Identity())
	for {
		if _, err := group.WaitForSignal(int((5 * time.Second).Milliseconds())); err != nil {
			return err
		}
	}
}

func runQuit(env *command.Env) error {
	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Call(saftbus.BootstrapIdentity, 0, 1, nil)
	return err
}
