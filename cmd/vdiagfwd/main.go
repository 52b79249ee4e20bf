// Command vdiagfwd is the vehicle-diagnostic adapter firmware binary: it
// opens the host-link serial transport, brings up the CAN controller,
// constructs the Engine, and runs its dispatch loop forever.
//
// Grounded on cmd/canopen/main.go's command-line handling and bring-up
// sequence (bus construction, then the steady-state loop), collapsed from
// its three-state INIT/RUNNING/RESETING outer loop into Engine.Run's single
// steady-state loop, since this adapter has no node bring-up phase to gate
// on the way a CANopen node does.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/vdiagfw/engine/pkg/can"
	_ "github.com/vdiagfw/engine/pkg/can/socketcan"
	"github.com/vdiagfw/engine/pkg/config"
	"github.com/vdiagfw/engine/pkg/engine"
	"github.com/vdiagfw/engine/pkg/mailbox"
	"github.com/vdiagfw/engine/pkg/telemetry"
	"github.com/vdiagfw/engine/pkg/transport/serialport"
)

func main() {
	canInterface := pflag.StringP("can-interface", "i", "can0", "socketcan interface, e.g. can0, vcan0")
	device := pflag.StringP("device", "d", "", "host-link serial device (overrides config file)")
	baud := pflag.IntP("baud", "b", 0, "host-link serial baud (overrides config file)")
	configPath := pflag.StringP("config", "c", "", "adapter configuration file (INI)")
	strictISOTP := pflag.Bool("strict-isotp", false, "enable the optional strict-mode ISO-TP extension")
	telemetryAddr := pflag.StringP("telemetry", "t", "", "telemetry websocket listen address (overrides config file when set; telemetry is off when the config address is empty)")
	verbose := pflag.BoolP("verbose", "v", false, "enable debug logging")
	pflag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed loading config")
	}
	if *device != "" {
		cfg.Host.Device = *device
	}
	if *baud != 0 {
		cfg.Host.Baud = *baud
	}
	if *telemetryAddr != "" {
		cfg.Telemetry.Addr = *telemetryAddr
	}

	bus, err := can.NewBus("socketcan", *canInterface)
	if err != nil {
		log.WithError(err).Fatalf("could not connect to CAN interface %v", *canInterface)
	}
	if err := bus.Connect(); err != nil {
		log.WithError(err).Fatal("failed connecting to CAN bus")
	}

	port := mailbox.NewPort(bus)
	if err := port.Enable(cfg.CAN.Baud); err != nil {
		log.WithError(err).Fatal("failed enabling CAN port")
	}
	bus.Subscribe(port)

	link, err := serialport.Open(cfg.Host.Device, cfg.Host.Baud)
	if err != nil {
		log.WithError(err).Fatalf("could not open host-link device %v", cfg.Host.Device)
	}
	defer link.Close()

	logger := log.WithField("service", "vdiagfwd")

	eng := engine.New(port, nil, nil, cfg, logger)
	eng.SetStrictISOTP(*strictISOTP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	if cfg.Telemetry.Addr != "" {
		tap := make(chan engine.TelemetryFrame, 64)
		eng.SetTap(tap)
		tapSrv := telemetry.New(cfg.Telemetry.Addr, logger)
		go func() {
			if err := tapSrv.Run(ctx, tap); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("telemetry server exited")
			}
		}()
	}

	log.Infof("vdiagfwd running, host-link=%v can=%v", cfg.Host.Device, *canInterface)
	if err := eng.Run(ctx, link); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("engine exited")
	}
}
