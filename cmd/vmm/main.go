// Command vmm boots one microVM from a YAML config file and exposes its
// control plane on a Unix socket until the guest exits or a shutdown
// request arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/go-microvm/vmm/internal/config"
	"github.com/go-microvm/vmm/internal/mgmt"
	"github.com/go-microvm/vmm/internal/mgmt/httpapi"
	"github.com/go-microvm/vmm/internal/obs"
	"github.com/go-microvm/vmm/internal/signals"
	"github.com/go-microvm/vmm/internal/snapshot"
	"github.com/go-microvm/vmm/internal/vmm"
)

func main() {
	defer signals.RecoverAndExit(nil)

	configPath := flag.String("config", "", "path to the VM's YAML config file")
	debug := flag.Bool("debug", false, "enable verbose vCPU/device logging")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "vmm: -config is required")
		signals.ExitProcess(signals.ArgParsing)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		obs.L().WithError(err).Error("loading config")
		signals.ExitProcess(signals.BadConfiguration)
	}

	code := run(cfg, *debug)
	signals.ExitProcess(code)
}

func run(cfg config.VMConfig, debug bool) signals.ExitCode {
	vm, err := vmm.New(cfg, debug)
	if err != nil {
		obs.L().WithError(err).Error("booting VM")
		return signals.GenericError
	}
	defer vm.Close()

	sigHandler := signals.Install(vm.ExitFD(), func() { obs.L().Info("restoring terminal on panic") })
	defer sigHandler.Stop()

	controller := vmm.NewController(vm)
	snapEngine := snapshot.New(vmm.NewSnapshotAdapter(vm))
	bridge, err := mgmt.New(controller, snapEngine)
	if err != nil {
		obs.L().WithError(err).Error("building management bridge")
		return signals.GenericError
	}
	defer bridge.Close()

	if err := vm.IOManager().Add(bridge.EventFD(), unix.EPOLLIN, bridge); err != nil {
		obs.L().WithError(err).Error("registering management bridge on I/O thread")
		return signals.GenericError
	}

	server, err := httpapi.NewServer(cfg.APISocketPath, bridge)
	if err != nil {
		obs.L().WithError(err).Error("starting control socket")
		return signals.GenericError
	}
	go func() {
		if err := server.Serve(); err != nil {
			obs.L().WithError(err).Error("control socket exited")
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- vm.Run() }()

	select {
	case err := <-runErrCh:
		if err != nil {
			obs.L().WithError(err).Error("VM run loop exited with an error")
			return signals.UnexpectedError
		}
	case <-bridge.ShutdownCh():
		obs.L().Info("shutdown requested over the management socket")
		vm.Stop()
		<-runErrCh
	}

	if code := sigHandler.ExitCode(); code != signals.Ok {
		return code
	}
	return signals.Ok
}
