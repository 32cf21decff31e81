package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/lk2023060901/modloader/pkg/module"
	"github.com/lk2023060901/modloader/pkg/rpc"
)

func main() {
	pid := flag.Int("pid", 0, "host process id, port is read from its shared memory segment")
	addr := flag.String("addr", "", "host address, overrides -pid")
	action := flag.String("action", "", "load, unload, suspend or resume")
	modID := flag.String("mod", "", "mod id for -action")
	timeout := flag.Duration("timeout", 5*time.Second, "per call timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		client *rpc.Client
		err    error
	)
	switch {
	case *addr != "":
		client, err = rpc.Dial(ctx, *addr)
	case *pid > 0:
		client, err = rpc.DialPID(ctx, *pid, 200*time.Millisecond)
	default:
		fmt.Fprintln(os.Stderr, "either -pid or -addr is required")
		os.Exit(2)
	}
	if err != nil {
		panic(err)
	}
	defer client.Close()

	client.OnException(func(exc *rpc.ExceptionError) {
		fmt.Printf("exception: %s\n", exc.Message)
	})

	if *action != "" {
		act, err := module.ParseAction(*action)
		if err != nil {
			panic(err)
		}
		if err := client.SetModState(ctx, *modID, act, *timeout); err != nil {
			os.Exit(1)
		}
		fmt.Printf("%s %s: ok\n", act, *modID)
	}

	mods, err := client.GetLoadedMods(ctx, *timeout)
	if err != nil {
		panic(err)
	}
	for _, m := range mods {
		fmt.Printf("%-12s %-8s %-10s suspend=%t unload=%t\n", m.ID, m.Version, m.State, m.CanSuspend, m.CanUnload)
	}
}
