//go:build !test

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/alecthomas/kong"
	"github.com/felixge/fgprof"
	"github.com/pkg/profile"
)

// CLI is the top-level command set: boot replays a recorded launch
// sequence, probe reads live hardware, version prints loader identity.
type CLI struct {
	Profile string `help:"enable a profiler for this run: cpu or fgprof." enum:",cpu,fgprof" default:""`

	Boot    BootCmd    `cmd:"" help:"replay a recorded DRTM launch sequence through the orchestrator."`
	Probe   ProbeCmd   `cmd:"" help:"read live PCI configuration space for DRTM-relevant hardware."`
	Version VersionCmd `cmd:"" help:"print loader identity."`
}

func main() {
	cli := CLI{}

	ctx := kong.Parse(&cli,
		kong.Name("skl"),
		kong.Description("Secure Kernel Loader DRTM orchestrator and diagnostic CLI"),
		kong.UsageOnError())

	stop, err := startProfiling(cli.Profile)
	if err != nil {
		log.Fatal(err)
	}

	defer stop()

	if err := ctx.Run(); err != nil {
		log.Fatal(err)
	}
}

// startProfiling wires cmd/skl's -profile flag to two independent
// profilers: pkg/profile's CPU sampling profile, or fgprof's
// wall-clock-including profile (useful here since the boot path spends
// real time in IOMMU/PSP polling loops that a CPU profile alone would
// under-represent).
func startProfiling(kind string) (func(), error) {
	switch kind {
	case "":
		return func() {}, nil
	case "cpu":
		p := profile.Start(profile.CPUProfile, profile.NoShutdownHook)

		return p.Stop, nil
	case "fgprof":
		f, err := os.Create("skl.fgprof.pprof")
		if err != nil {
			return nil, err
		}

		stopFn := fgprof.Start(f, fgprof.FormatPprof)

		return func() {
			_ = stopFn()
			_ = f.Close()
		}, nil
	}

	return nil, fmt.Errorf("unknown profile kind %q", kind)
}
