package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/finisv/finisv/pkg/bootstrap"
	"github.com/finisv/finisv/pkg/cond"
	"github.com/finisv/finisv/pkg/config"
	"github.com/finisv/finisv/pkg/control"
	"github.com/finisv/finisv/pkg/eventloop"
	"github.com/finisv/finisv/pkg/httpdebug"
	"github.com/finisv/finisv/pkg/lock"
	"github.com/finisv/finisv/pkg/logging"
	"github.com/finisv/finisv/pkg/process"
	"github.com/finisv/finisv/pkg/reconcile"
	"github.com/finisv/finisv/pkg/registry"
	"github.com/finisv/finisv/pkg/runlevel"
	"github.com/finisv/finisv/pkg/service"
	"github.com/finisv/finisv/pkg/shutdown"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func parseLogLevel(s string) logging.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logging.LevelDebug
	case "notice":
		return logging.LevelNotice
	case "warn", "warning":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func runValidateConfig(cmd *cobra.Command, args []string) error {
	loader := config.NewDirLoader()
	res, err := loader.Load(configDir)
	if err != nil {
		return err
	}
	fmt.Printf("%d service(s) parsed from %s\n", len(res.Services), configDir)
	for _, desc := range res.Services {
		fmt.Printf("  %s %s (%s)\n", desc.Kind.String(), desc.Name, desc.SourceFile)
	}
	return nil
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	isPID1 := os.Getpid() == 1
	log := logging.New(parseLogLevel(logLevelStr))
	defer log.Sync()

	if isPID1 {
		log.Info("starting as PID 1")
		shutdown.InitPID1(log)
	}

	inst, err := lock.Acquire(runDir)
	if err != nil {
		return err
	}
	defer inst.Release()

	store, err := cond.New(runDir, log)
	if err != nil {
		return err
	}

	reg := registry.New()
	reaper := process.NewReaper(log)

	gov := runlevel.New(reg, log, 1) // S: the bootstrap level, before the configured default is known
	if isPID1 {
		gov.SetShutdownFunc(shutdown.Execute)
	}

	rc := reconcile.New(reg, store, reaper, log, gov.Current, configDir)
	rc.Listeners = []service.Listener{gov}

	if err := rc.Reload(); err != nil {
		return err
	}
	bootstrap.Apply(rc.Settings, log)

	target := rc.Settings.DefaultLevel
	if bootLevel >= 0 {
		target = bootLevel
	}
	gov.Transition(target)

	ctrlServer := control.New(socketPath, reg, store, rc, gov, log)
	ctx := context.Background()
	if err := ctrlServer.Start(ctx); err != nil {
		log.Warn("control socket did not start", zap.Error(err))
	} else {
		defer ctrlServer.Stop()
	}

	debugServer := httpdebug.New(debugAddr, reg, store, gov, log)
	if err := debugServer.Start(); err != nil {
		log.Warn("debug http server did not start", zap.Error(err))
	} else {
		defer debugServer.Stop()
	}

	loop := eventloop.New(reg, reaper, rc, gov, log)

	if err := loop.Run(ctx); err != nil && err != context.Canceled {
		log.Error("event loop exited with error", zap.Error(err))
	}

	log.Info("finisv shutdown complete")
	return nil
}
