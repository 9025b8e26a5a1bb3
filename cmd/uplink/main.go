package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/temoto/uplink/cmd/uplink/console"
	"github.com/temoto/uplink/cmd/uplink/run"
	"github.com/temoto/uplink/cmd/uplink/subcmd"
	"github.com/temoto/uplink/internal/state"
	"github.com/temoto/uplink/log2"
)

var log = log2.NewStderr(log2.LDebug)

var (
	BuildVersion string = "unknown" // set by ldflags -X
	modules      []subcmd.Mod       = []subcmd.Mod{
		run.Mod,
		console.Mod,
	}
)

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagConfig := cmdline.String("config", "uplink.hcl", "")
	flagVersion := cmdline.Bool("version", false, "print build version and exit")
	if err := cmdline.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			subcmd.PrintUsage(os.Stdout, modules)
			os.Exit(0)
		}
		log.Fatal(err)
	}
	if *flagVersion {
		fmt.Printf("uplink %s\n", BuildVersion)
		os.Exit(0)
	}

	mod, err := subcmd.Parse(cmdline.Arg(0), modules)
	if err != nil {
		subcmd.PrintUsage(os.Stderr, modules)
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") {
		// under systemd assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	if !config.Log.Debug {
		log.SetLevel(log2.LInfo)
	}
	log.Debugf("config=%+v", config)

	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion
	if err := mod.Main(ctx, config); err != nil {
		g.Fatal(err)
	}
	os.Exit(0)
}
