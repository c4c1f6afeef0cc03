package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/kiloguardian/kilo/pkg/adherence"
	"github.com/kiloguardian/kilo/pkg/coaching"
	"github.com/kiloguardian/kilo/pkg/config"
	"github.com/kiloguardian/kilo/pkg/events"
	"github.com/kiloguardian/kilo/pkg/gateway"
	"github.com/kiloguardian/kilo/pkg/habits"
	"github.com/kiloguardian/kilo/pkg/log"
	"github.com/kiloguardian/kilo/pkg/metrics"
	"github.com/kiloguardian/kilo/pkg/registry"
	"github.com/kiloguardian/kilo/pkg/scheduler"
	"github.com/kiloguardian/kilo/pkg/storage"
)

// recomputeSpec runs the nightly pattern sweep after the quiet hours
// start, so freshly detected patterns queue messages for the morning.
const recomputeSpec = "0 3 * * *"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Kilo Guardian server",
	Long: `Start the reminder scheduler, adherence coordinator, coaching
engine and HTTP gateway. All state lives under the configured data
directory; a SIGINT or SIGTERM shuts everything down in order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return serve(configPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true})
	metrics.Register()
	logger := log.WithComponent("serve")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	// Stores
	reminderStore, err := storage.NewReminderStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer reminderStore.Close()
	medStore, err := storage.NewMedStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer medStore.Close()
	habitStore, err := storage.NewHabitStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer habitStore.Close()
	eventStore, err := storage.NewEventStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer eventStore.Close()
	coachingStore, err := storage.NewCoachingStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer coachingStore.Close()
	tokenStore, err := storage.NewTokenStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer tokenStore.Close()

	clk := clock.RealClock{}

	// Event bus with durable dead-letter log
	bus := events.NewBus(events.Config{
		QueueCapacity: cfg.EventBusQueueCapacity,
		MaxAttempts:   cfg.EventBusMaxAttempts,
	}, events.NewDeadLetterLog(cfg.DataDir))

	// Habit ledger
	habitSvc := habits.New(habitStore, bus, clk, cfg.Timezone)

	// Adherence coordinator and reminder scheduler
	coord := adherence.New(reminderStore, medStore, habitStore, eventStore, habitSvc, bus, clk, adherence.Config{
		GraceWindowMinutes: cfg.GraceWindowMinutes,
		SnoozeMinutes:      cfg.SnoozeMinutes,
		MaxSnoozes:         cfg.MaxSnoozes,
		LowQuantityDays:    cfg.LowQuantityDays,
		Timezone:           cfg.Timezone,
	})
	sched := scheduler.New(reminderStore, coord, clk, scheduler.Config{
		PollInterval: time.Duration(cfg.SchedulerPollIntervalSeconds) * time.Second,
		BatchSize:    cfg.SchedulerBatchSize,
	})
	coord.SetWake(sched.Kick)

	// Coaching engine
	quietStart, quietEnd := cfg.QuietHours()
	engine := coaching.New(coachingStore, eventStore, medStore, bus, clk, coaching.Config{
		Cooldown:   time.Duration(cfg.CoachingCooldownHours) * time.Hour,
		QuietStart: quietStart,
		QuietEnd:   quietEnd,
		Timezone:   cfg.Timezone,
		NotifyURLs: cfg.NotifyURLs,
	})
	engine.Subscribe()

	// Medication registry, with photo extraction when a sidecar is configured
	var extractor *registry.Extractor
	if cfg.ExtractorURL != "" {
		extractor = registry.NewExtractor(cfg.ExtractorURL)
	}
	reg := registry.New(medStore, reminderStore, coord, bus, clk, extractor, cfg.Timezone)

	// Gateway
	gw := gateway.New(gateway.Config{
		ListenAddr:     cfg.ListenAddr,
		BootstrapToken: cfg.AdminToken,
	}, tokenStore, clk)
	gw.Mount("/meds", "registry", registry.NewHandler(reg, engine))
	gw.Mount("/reminders", "adherence", adherence.NewHandler(coord))
	gw.Mount("/habits", "habits", habits.NewHandler(habitSvc))
	gw.Mount("/coaching", "coaching", coaching.NewHandler(engine))
	gw.RegisterHealth("coordinator", coord.Health)
	gw.RegisterHealth("scheduler", sched.Health)
	gw.RegisterHealth("coaching", engine.Health)

	// Startup: recover in-flight grace timers before claiming resumes
	coord.Start()
	if err := coord.RecoverOnStartup(); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	sched.Start()

	// Nightly pattern sweep over every registered medication
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(recomputeSpec, func() { recomputeAll(medStore, engine) }); err != nil {
		return fmt.Errorf("failed to schedule pattern sweep: %w", err)
	}
	sweeper.Start()

	if err := gw.Start(); err != nil {
		return err
	}
	logger.Info().Str("addr", cfg.ListenAddr).Str("data_dir", cfg.DataDir).Msg("kilo guardian running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(ctx); err != nil {
		log.Errorf("gateway shutdown failed", err)
	}
	<-sweeper.Stop().Done()
	sched.Stop()
	coord.Stop()
	bus.Stop()

	logger.Info().Msg("shutdown complete")
	return nil
}

func recomputeAll(meds *storage.MedStore, engine *coaching.Engine) {
	list, err := meds.List()
	if err != nil {
		log.Errorf("pattern sweep failed to list medications", err)
		return
	}
	for _, med := range list {
		if err := engine.Recompute(med.ID); err != nil {
			log.WithMedID(med.ID).Error().Err(err).Msg("pattern recompute failed")
		}
	}
}
