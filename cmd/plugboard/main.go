package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"plugboard/alert"
	"plugboard/config"
	"plugboard/device"
	"plugboard/device/kasa"
	"plugboard/logging"
	"plugboard/monitor"
	"plugboard/mqtt"
	"plugboard/registry"
	"plugboard/web"
)

func main() {
	var configPath = flag.String("config", "", "path to the yaml config file (empty runs the defaults)")
	flag.Parse()

	var cfg = config.Load(*configPath)
	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store = registry.New()
	var prom = prometheus.NewRegistry()
	var metrics = monitor.NewMetrics(prom, store)

	var staticHandles []device.Handle
	for _, dev := range cfg.StaticDevices() {
		handle, err := device.ForConfig(dev, cfg.Tapo.EmailAddress, cfg.Tapo.Password, cfg.EnablePowerMonitoring, logger)
		if err != nil {
			logger.Fatal("could not build configured device", zap.String("name", dev.Name), zap.Error(err))
		}
		staticHandles = append(staticHandles, handle)
	}
	var sweeper = kasa.NewDiscoverer(kasa.Config{
		Broadcast:       cfg.Discovery.Broadcast,
		ProbeWait:       cfg.Discovery.ProbeWait(),
		Attempts:        cfg.Discovery.Attempts,
		PowerMonitoring: cfg.EnablePowerMonitoring,
	}, logger)
	var discoverer = device.Merge(device.Kasa(sweeper), device.Static(staticHandles...))

	var events = &monitor.Events{}
	var reconciler = monitor.NewReconciler(discoverer, store, cfg.DiscoveryInterval(), events, metrics, logger)
	var dispatcher = monitor.NewDispatcher(reconciler, logger)

	var hub = web.NewHub(store, cfg.UI.ShowAddressInUi, logger)
	events.Devices = append(events.Devices, hub)
	events.Troubles = append(events.Troubles, hub)

	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled() {
		bridge, err = mqtt.Connect(cfg.MQTT, dispatcher, reconciler, logger)
		if err != nil {
			logger.Fatal("could not reach the mqtt broker", zap.String("broker", cfg.MQTT.Broker), zap.Error(err))
		}
		events.Devices = append(events.Devices, bridge)
	}
	if cfg.Alerts.Enabled() {
		events.Devices = append(events.Devices, alert.NewMailer(cfg.Alerts, logger))
	}

	// All sinks are attached; passes may start.
	go reconciler.Run(ctx)

	var server = web.NewServer(store, hub, reconciler, dispatcher, prom, cfg.UI.ShowAddressInUi, logger)
	var httpServer = &http.Server{
		Addr:              cfg.UI.Listen,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	var serveFailed = make(chan struct{}, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.UI.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve failed", zap.Error(err))
			serveFailed <- struct{}{}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-serveFailed:
	}

	var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	hub.Close()
	if bridge != nil {
		bridge.Close()
	}
}
