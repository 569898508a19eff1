package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dante-gpu/gpu-share-vm-manager/internal/adapters/nvml"
	"github.com/dante-gpu/gpu-share-vm-manager/internal/api"
	"github.com/dante-gpu/gpu-share-vm-manager/internal/config"
	"github.com/dante-gpu/gpu-share-vm-manager/internal/domain"
	"github.com/dante-gpu/gpu-share-vm-manager/internal/gpu"
	"github.com/dante-gpu/gpu-share-vm-manager/internal/hypervisor"
	"github.com/dante-gpu/gpu-share-vm-manager/internal/lifecycle"
	"github.com/dante-gpu/gpu-share-vm-manager/internal/monitor"
	"github.com/dante-gpu/gpu-share-vm-manager/internal/registry"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("level", cfg.LogLevel).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	// GPU driver query: real NVML first, canned mock when no NVIDIA stack
	// is present on the host.
	var driver domain.DriverQuery
	nvmlProvider := nvml.NewProvider()
	if err := nvmlProvider.Init(); err != nil {
		log.WithError(err).Warn("NVML not available, using mock GPU provider")
		driver = nvml.NewMockProvider(
			[]domain.DeviceInfo{
				{
					ID:            "mock-gpu-1",
					Vendor:        "NVIDIA",
					Model:         "Mock GPU 24GB",
					Address:       "0000:01:00.0",
					IOMMUGroup:    1,
					TotalMemoryMB: 24576,
				},
			},
			map[string]domain.DeviceSample{
				"mock-gpu-1": {
					UtilizationPercent: 0,
					MemoryUsedMB:       0,
					TemperatureC:       35,
					PowerW:             20,
				},
			},
		)
	} else {
		defer nvmlProvider.Shutdown()
		driver = nvmlProvider
	}

	hv, err := hypervisor.New(cfg.Hypervisor.Backend, hypervisor.Config{
		URI:          cfg.Hypervisor.URI,
		DefaultImage: cfg.Defaults.Image,
		Log:          log,
	})
	if err != nil {
		log.WithError(err).WithField("backend", cfg.Hypervisor.Backend).
			Fatal("Failed to initialize hypervisor backend")
	}

	reg := registry.New()
	alloc := gpu.NewAllocator(reg, log)

	discoverCtx, cancelDiscover := context.WithTimeout(context.Background(), 30*time.Second)
	devices, err := alloc.Discover(discoverCtx, driver)
	cancelDiscover()
	if err != nil {
		log.WithError(err).Fatal("GPU discovery failed")
	}
	log.WithField("count", len(devices)).Info("GPU inventory ready")

	manager := lifecycle.NewManager(reg, alloc, hv, log, lifecycle.Options{
		CallTimeout:     cfg.Hypervisor.CallTimeout,
		MaxAttempts:     cfg.Hypervisor.MaxAttempts,
		InitialInterval: cfg.Hypervisor.RetryInitialInterval,
		DefaultVCPUs:    cfg.Defaults.VCPUs,
		DefaultMemoryMB: cfg.Defaults.MemoryMB,
	})

	collector := monitor.New(reg, hv, driver, cfg.Monitoring.Interval, cfg.Monitoring.Retention, log)
	collectorCtx, cancelCollector := context.WithCancel(context.Background())
	go collector.Run(collectorCtx)

	if level < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := api.NewServer(manager, alloc, collector, log)
	server := &http.Server{
		Addr:    cfg.Server.BindAddr,
		Handler: srv.Router(),
	}

	go func() {
		log.WithField("addr", cfg.Server.BindAddr).Info("API server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("API server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down")

	cancelCollector()
	collector.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("API server shutdown error")
	}

	log.Info("Shutdown complete")
}
