package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/storehealth/internal/alert"
	"github.com/storehealth/internal/api"
	"github.com/storehealth/internal/auth"
	"github.com/storehealth/internal/config"
	"github.com/storehealth/internal/database"
	"github.com/storehealth/internal/escalation"
	"github.com/storehealth/internal/events"
	"github.com/storehealth/internal/health"
	"github.com/storehealth/internal/kpi"
	"github.com/storehealth/internal/lock"
	"github.com/storehealth/internal/logging"
	"github.com/storehealth/internal/models"
	"github.com/storehealth/internal/monitor"
	"github.com/storehealth/internal/notify"
	"github.com/storehealth/internal/report"
	"github.com/storehealth/internal/seed"
	"github.com/storehealth/internal/voice"
)

const shutdownTimeout = 15 * time.Second

var configFile string

func main() {
	root := &cobra.Command{
		Use:          "storehealth",
		Short:        "Store health monitoring and escalation server",
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config.yaml")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the monitor",
		RunE:  runServe,
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, db, err := bootstrap()
			if err != nil {
				return err
			}
			defer database.Close(db)
			log.Info("schema is up to date")
			return nil
		},
	})
	root.AddCommand(newSeedCommand())
	root.AddCommand(newCreateOperatorCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// bootstrap loads the config, builds the logger and opens the migrated
// database.
func bootstrap() (*config.Config, *logrus.Logger, *gorm.DB, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, nil, err
	}
	log, err := logging.New(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	db, err := database.Open(cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, db, nil
}

func newLocker(cfg *config.Config, log logrus.FieldLogger) (lock.Locker, func()) {
	if cfg.Lock.Backend != "redis" {
		return lock.NewLocal(), func() {}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Lock.Redis.Addr,
		Password: cfg.Lock.Redis.Password,
		DB:       cfg.Lock.Redis.DB,
	})
	return lock.NewRedis(rdb, cfg.Lock.TTL, log), func() { rdb.Close() }
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, db, err := bootstrap()
	if err != nil {
		return err
	}
	defer database.Close(db)

	locker, closeLocker := newLocker(cfg, log)
	defer closeLocker()

	hub := events.NewHub(log)
	sinks := []events.Publisher{hub}
	if len(cfg.Events.KafkaBrokers) > 0 {
		producer := events.NewKafkaProducer(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		defer producer.Close()
		sinks = append(sinks, producer)
	}
	bus := events.NewBus(log, sinks...)

	kpis := kpi.NewCalculator(db, locker, log)
	checker := health.NewChecker(db, locker, bus, log)
	alerts := alert.NewManager(db, locker, bus, log)

	var provider voice.Provider = voice.DryRunProvider{Log: log}
	if cfg.Voice.Enabled {
		provider = voice.NewTwilioProvider(cfg.Voice.AccountSID, cfg.Voice.AuthToken, cfg.Voice.FromNumber, cfg.Voice.PublicBaseURL)
	}
	calls := voice.NewDispatcher(db, provider, alerts, bus, log)
	calls.Timeout = cfg.Voice.CallTimeout
	calls.BaseURL = cfg.Voice.PublicBaseURL
	defer calls.Wait()

	engine := escalation.NewEngine(db, locker, notify.NewRouterFromConfig(cfg, log), calls, bus, log)
	engine.Concurrency = cfg.Monitor.SweepConcurrency

	var sender report.Sender
	if cfg.Notify.Email.SMTPHost != "" {
		sender = report.NewSMTPSender(cfg.Notify.Email.SMTPHost, cfg.Notify.Email.SMTPPort, cfg.Notify.Email.From, cfg.Notify.Email.Password)
	}
	from := cfg.Report.From
	if from == "" {
		from = cfg.Notify.Email.From
	}
	reports := report.NewGenerator(db, checker, sender, from, cfg.Report.Recipients, log)

	scheduler := monitor.NewScheduler(engine, checker, alerts, cfg.Monitor.SweepInterval, cfg.Monitor.HealthCheckInterval, log)

	server := api.NewServer(api.Services{
		Kpis:        kpis,
		Health:      checker,
		Alerts:      alerts,
		Escalations: engine,
		Rules:       escalation.NewRuleManager(db),
		Calls:       calls,
		Scheduler:   scheduler,
		Reports:     reports,
		Hub:         hub,
		Auth:        auth.NewAuthenticator(db, cfg.Server.JWTSecret, cfg.Server.AuthEnabled),
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Monitor.Enabled {
		scheduler.Start(ctx)
		defer scheduler.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Server.Port)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("api server shutdown")
	}
	return nil
}

func newSeedCommand() *cobra.Command {
	var code string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert a demo organization with KPIs, rules and call scripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, db, err := bootstrap()
			if err != nil {
				return err
			}
			defer database.Close(db)

			demo, err := seed.Create(db, code)
			if err != nil {
				return fmt.Errorf("failed to seed: %w", err)
			}
			log.WithFields(logrus.Fields{
				"organization_id": demo.Organization.ID,
				"store_id":        demo.Store.ID,
				"kpis":            len(demo.Kpis),
			}).Info("demo data created")
			return nil
		},
	}

	cmd.Flags().StringVar(&code, "code", "DEMO", "Organization code")
	return cmd
}

func newCreateOperatorCommand() *cobra.Command {
	var username, password, role, email string

	cmd := &cobra.Command{
		Use:   "create-operator",
		Short: "Create an API operator account",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch models.Role(role) {
			case models.RoleAdmin, models.RoleManager, models.RoleViewer:
			default:
				return fmt.Errorf("role must be admin, manager or viewer")
			}

			_, log, db, err := bootstrap()
			if err != nil {
				return err
			}
			defer database.Close(db)

			op := models.Operator{Username: username, Role: models.Role(role), Email: email, IsActive: true}
			if err := op.SetPassword(password); err != nil {
				return fmt.Errorf("failed to hash password: %w", err)
			}
			if err := db.Create(&op).Error; err != nil {
				return fmt.Errorf("failed to create operator: %w", err)
			}
			log.WithFields(logrus.Fields{"username": username, "role": role}).Info("operator created")
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Login name")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password")
	cmd.Flags().StringVar(&role, "role", string(models.RoleViewer), "admin, manager or viewer")
	cmd.Flags().StringVar(&email, "email", "", "Contact email")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("password")
	return cmd
}
