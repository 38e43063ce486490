package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/cpdma"
	"github.com/slackhq/cpdma/config"
	"github.com/slackhq/cpdma/util"
)

// Build can be set at link time with -ldflags "-X main.Build=1.2.3", otherwise
// it is taken from the module version.
var Build string

func version() string {
	if Build != "" {
		return Build
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		return strings.TrimPrefix(info.Main.Version, "v")
	}
	return "unknown"
}

type flags struct {
	config   string
	test     bool
	duration time.Duration
	check    bool
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "Path to either a file or directory to load configuration from")
	flag.BoolVar(&f.test, "test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	flag.DurationVar(&f.duration, "duration", 0, "Stop after running this long instead of waiting for a signal")
	flag.BoolVar(&f.check, "check", false, "Verify the descriptor rings of every channel before exiting")
	serviceAction := flag.String("service", "", "Control the system service, one of run, install, uninstall, start, stop or restart")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")
	flag.Parse()

	switch {
	case *printVersion:
		fmt.Printf("Version: %s\n", version())
		return
	case *printUsage:
		flag.Usage()
		return
	case *serviceAction != "":
		os.Exit(doService(f, *serviceAction))
	case f.config == "":
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	os.Exit(run(f))
}

func run(f flags) int {
	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	if err := c.Load(f.config); err != nil {
		fmt.Printf("failed to load config: %s\n", err)
		return 1
	}

	ctrl, err := cpdma.Main(c, f.test, version(), l)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		return 1
	}
	if f.test {
		return 0
	}

	if err := ctrl.Start(); err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		ctrl.Stop()
		return 1
	}
	notifyReady(l, fmt.Sprintf("%d channels open", len(ctrl.Engine().Stats())))

	reason := ctrl.Wait(f.duration)
	l.WithField("reason", reason).Info("Shutting down")

	if f.check {
		// Before Stop, while the channels still hold their queues.
		if err := ctrl.Engine().Check(); err != nil {
			l.WithError(err).Error("Descriptor ring check failed")
			ctrl.Stop()
			return 2
		}
		l.Info("Descriptor rings are consistent")
	}

	ctrl.Stop()
	return 0
}
