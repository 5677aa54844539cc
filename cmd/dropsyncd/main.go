// Command dropsyncd runs the Service Façade as a standalone daemon:
// parse flags, open the journal, start accepting transfers, and block
// until an interrupt signal triggers a graceful shutdown.
//
// Grounded on testnet/cmd/main.go's run()/setupSignalHandling() shape:
// a run() function returning an exit code so deferred cleanup executes
// before os.Exit, and a SIGINT/SIGTERM wait that returns control to
// run, which then stops the service, rather than calling os.Exit
// directly on the signal.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/dropsync/dropsync/events"
	"github.com/dropsync/dropsync/internal/cli"
	"github.com/dropsync/dropsync/storage"

	"github.com/dropsync/dropsync/service"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, showHelp, err := cli.Parse()
	if showHelp {
		cli.PrintUsage()
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, "Use -help for usage information.")
		return 1
	}

	configureLogging(cfg.LogLevel, cfg.LogFile)

	journal, err := storage.Open(cfg.DBPath, cfg.DBMaxOpenConns)
	if err != nil {
		logrus.WithFields(logrus.Fields{"function": "run", "db_path": cfg.DBPath}).
			WithError(err).Error("failed to open journal database")
		return 1
	}
	defer journal.Close()

	bus := events.New()
	svc := service.New(journal, bus, cfg.ServiceConfig())

	if err := svc.Start(cfg.ListenAddr); err != nil {
		logrus.WithFields(logrus.Fields{"function": "run", "addr": cfg.ListenAddr}).
			WithError(err).Error("failed to start service")
		return 1
	}
	logrus.WithFields(logrus.Fields{"function": "run", "addr": cfg.ListenAddr}).Info("dropsyncd listening")

	waitForShutdownSignal()

	if err := svc.Stop(); err != nil {
		logrus.WithFields(logrus.Fields{"function": "run"}).WithError(err).Error("service did not stop cleanly")
		return 1
	}

	return 0
}

func configureLogging(level, file string) {
	if parsed, err := logrus.ParseLevel(level); err == nil {
		logrus.SetLevel(parsed)
	}
	if file == "" {
		return
	}
	f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logrus.WithFields(logrus.Fields{"function": "configureLogging", "file": file}).
			WithError(err).Warn("failed to open log file, continuing on stderr")
		return
	}
	logrus.SetOutput(f)
}

// waitForShutdownSignal blocks until SIGINT or SIGTERM, logging which
// one triggered shutdown.
func waitForShutdownSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logrus.WithFields(logrus.Fields{"function": "waitForShutdownSignal", "signal": sig.String()}).
		Info("received shutdown signal")
}
