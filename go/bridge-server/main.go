package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/tidewire/bridge/go/runtime"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"
)

const iniFilename = "bridge.ini"

// Config is the top-level configuration object of a bridge server.
var Config = new(runtime.BridgeServerConfig)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("bridge-server configuration")

	var cfg, err = runtime.LoadConfig(Config.Bridge.Config, Config.Bridge.Patch)
	if err != nil {
		return err
	}
	bridge, err := runtime.NewBridge(cfg)
	if err != nil {
		return err
	}
	bridge.Counters().RegisterMetrics(prometheus.DefaultRegisterer)

	var tasks = task.NewGroup(context.Background())
	bridge.QueueTasks(tasks)

	log.WithFields(log.Fields{
		"app":    cfg.AppName,
		"input":  cfg.Input.Type,
		"output": cfg.Transports.Type,
	}).Info("starting bridge-server")

	// Install signal handler & start bridge tasks.
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
			return nil

		case <-tasks.Context().Done():
			return nil
		}
	})
	tasks.GoRun()

	// Block until all tasks complete.
	if err = tasks.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}

	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as telemetry bridge", `
Serve a telemetry bridge with the provided configuration, until signaled to
exit (via SIGTERM). Startup failures map to exit codes: 2 for an invalid
configuration or catalog document, 3 for a catalog reference error under
strict validation.
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)

	// Parse an optional INI file, then the command line, and map startup
	// error classes onto the process exit code.
	if _, err := os.Stat(iniFilename); err == nil {
		if err = flags.NewIniParser(parser).ParseFile(iniFilename); err != nil {
			log.WithField("err", err).Fatal("failed to parse ini file")
		}
	}
	if _, err := parser.Parse(); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) {
			// go-flags already printed usage; help is not a failure.
			if flagErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		} else {
			log.WithField("err", err).Error("bridge-server failed")
		}
		os.Exit(runtime.ExitCode(err))
	}
}
