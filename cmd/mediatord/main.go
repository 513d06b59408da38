// Command mediatord is the daemon entry point for the accelerator
// mediation core: it loads configuration, constructs the policy registry
// and installed policies, starts the transport-facing send ring and the
// worker-report channel listener, serves /metrics, and wires the control
// surface's HTTP API (spec §6) for mediatorctl.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pipeops/accel-mediator/pkg/config"
	"github.com/pipeops/accel-mediator/pkg/control"
	"github.com/pipeops/accel-mediator/pkg/mediator"
	"github.com/pipeops/accel-mediator/pkg/metrics"
	"github.com/pipeops/accel-mediator/pkg/policy"
	"github.com/pipeops/accel-mediator/pkg/policy/devicetime"
	"github.com/pipeops/accel-mediator/pkg/policy/ratepolicy"
	"github.com/pipeops/accel-mediator/pkg/scripted"
	"github.com/pipeops/accel-mediator/pkg/transport"
	"github.com/pipeops/accel-mediator/pkg/vmtable"
	"github.com/pipeops/accel-mediator/pkg/workerchannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := "/etc/accel-mediator/config.toml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	log := logrus.New()
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	config.LoadFromEnv(cfg)
	cfg.ApplyToLogger(log)

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	entry := logrus.NewEntry(log)
	if err := run(cfg, entry); err != nil {
		log.WithError(err).Fatal("mediatord exited with error")
	}
}

func run(cfg *config.Config, log *logrus.Entry) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("received shutdown signal")
		cancel()
	}()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg, log)

	registry := policy.New(log)
	table := vmtable.New()

	sendRing, err := transport.NewSendRing(cfg.Transport.SendRingSize)
	if err != nil {
		return fmt.Errorf("mediatord: %w", err)
	}

	var rateConsumer mediator.RateConsumer
	if cfg.RatePolicy.Enabled {
		rp := ratepolicy.New(ratepolicy.Config{
			TimerPeriod:  cfg.RatePolicy.TimerPeriod,
			LimitBase:    cfg.RatePolicy.LimitBase,
			BudgetBase:   cfg.RatePolicy.BudgetBase,
			Shares:       cfg.RatePolicy.Shares,
			DefaultShare: cfg.RatePolicy.DefaultShare,
		}, collector, log)
		registry.Install(rp.AsDomainPolicy())
		rateConsumer = rp
	}

	var deviceConsumer, deviceHPConsumer mediator.DeviceTimeConsumer
	if cfg.DeviceTime.Enabled {
		dt := devicetime.New(devicetime.Config{
			Mode:            devicetime.ModeCooperative,
			Priorities:      cfg.DeviceTime.Priorities,
			DefaultPriority: cfg.DeviceTime.DefaultPriority,
			SchedulePeriod:  cfg.DeviceTime.SchedulePeriod,
			MaxTries:        cfg.DeviceTime.MaxTries,
		}, collector, log)
		registry.Install(dt.AsDomainPolicy())
		deviceConsumer = dt
	}
	if cfg.DeviceTime.HighPrecisionEnabled {
		hp := devicetime.New(devicetime.Config{
			Mode:            devicetime.ModeHighPrecision,
			Priorities:      cfg.DeviceTime.Priorities,
			DefaultPriority: cfg.DeviceTime.DefaultPriority,
			SchedulePeriod:  cfg.DeviceTime.SchedulePeriod,
		}, collector, log)
		registry.Install(hp.AsDomainPolicy())
		deviceHPConsumer = hp
	}

	if cfg.ScriptedHost.Enabled {
		for _, prog := range cfg.ScriptedHost.Programs {
			module, err := os.ReadFile(prog.ModulePath)
			if err != nil {
				return fmt.Errorf("mediatord: read scripted program %q: %w", prog.ModulePath, err)
			}
			p, err := scripted.Load(ctx, scripted.Config{
				ID:             prog.ID,
				Package:        prog.Package,
				Module:         string(module),
				SchedulePeriod: cfg.ScriptedHost.SchedulePeriod,
				MaxTries:       cfg.ScriptedHost.MaxScheduleTries,
			}, collector, log)
			if err != nil {
				return fmt.Errorf("mediatord: load scripted program %q: %w", prog.Package, err)
			}
			registry.InstallScripted(p)
		}
	}

	if err := registry.EngineInit(); err != nil {
		return fmt.Errorf("mediatord: engine init: %w", err)
	}
	defer registry.EngineRelease()

	med := mediator.New(registry, table, sendRing, collector, cfg.Transport.AdminPort,
		rateConsumer, deviceConsumer, deviceHPConsumer, log)

	receiver := workerchannel.New(func(ctx context.Context, report workerchannel.Report) error {
		return med.OnWorkerReport(ctx, report)
	}, log)
	if err := receiver.Listen(ctx, cfg.Worker.ReportPort); err != nil {
		return fmt.Errorf("mediatord: worker channel: %w", err)
	}
	defer receiver.Close()

	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, metrics.Handler(reg))
	}
	control.RegisterHandlers(mux, control.New(registry, collector, log))

	srv := &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
	go func() {
		log.WithField("addr", cfg.Metrics.Address).Info("serving metrics and control api")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	log.Info("mediatord shut down cleanly")
	return nil
}
