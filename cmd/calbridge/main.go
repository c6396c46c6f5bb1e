package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/calbridge/internal/backend/google"
	"github.com/agentworkforce/calbridge/internal/backend/legacy"
	"github.com/agentworkforce/calbridge/internal/backend/outlook"
	"github.com/agentworkforce/calbridge/internal/calsync"
	"github.com/agentworkforce/calbridge/internal/config"
	"github.com/agentworkforce/calbridge/internal/statusapi"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("CALBRIDGE_CONFIG")), "path to the YAML config file")
	once := flag.Bool("once", false, "run a single reconciliation cycle and exit")
	flag.Parse()

	cfg := loadConfig(*configPath)
	applyEnvOverrides(&cfg)

	location, err := cfg.Location()
	if err != nil {
		log.Fatalf("failed to resolve timezone: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := calsync.BuildStoreFromDSN(cfg.StoreDSN)
	if err != nil {
		log.Fatalf("failed to initialize identity store: %v", err)
	}
	defer store.Close()

	googleClient, err := buildGoogleClient(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize google backend: %v", err)
	}
	outlookClient, err := outlook.NewClient(ctx, outlook.Config{
		TenantID:     cfg.Outlook.TenantID,
		ClientID:     cfg.Outlook.ClientID,
		ClientSecret: cfg.Outlook.ClientSecret,
		UserID:       cfg.Outlook.UserID,
	}, log.Default())
	if err != nil {
		log.Fatalf("failed to initialize outlook backend: %v", err)
	}

	var legacyClient calsync.LegacyClient
	if cfg.Legacy.Enabled {
		client, err := legacy.NewClient(legacy.Config{
			BaseURL:    cfg.Legacy.BaseURL,
			Username:   cfg.Legacy.Username,
			Password:   cfg.Legacy.Password,
			ExportPath: cfg.Legacy.ExportPath,
		}, location, log.Default())
		if err != nil {
			log.Fatalf("failed to initialize legacy backend: %v", err)
		}
		defer client.Close()
		legacyClient = client
	}

	detector, err := calsync.NewDetector(calsync.DetectorOptions{
		Google:   googleClient,
		Outlook:  outlookClient,
		Legacy:   legacyClient,
		Store:    store,
		Location: location,
		Logger:   log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to build detector: %v", err)
	}
	propagator, err := calsync.NewPropagator(calsync.PropagatorOptions{
		Google:   googleClient,
		Outlook:  outlookClient,
		Legacy:   legacyClient,
		Store:    store,
		Matcher:  calsync.NewMatcher(store),
		Location: location,
		Logger:   log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to build propagator: %v", err)
	}

	status := statusapi.NewServer(store, log.Default())
	loop, err := calsync.NewLoop(calsync.LoopOptions{
		Detector:      detector,
		Propagator:    propagator,
		Store:         store,
		PollInterval:  cfg.PollInterval(),
		SweepInterval: cfg.SweepInterval(),
		RetentionDays: cfg.RetentionDays,
		Location:      location,
		Logger:        log.Default(),
		OnReport:      status.Record,
	})
	if err != nil {
		log.Fatalf("failed to build loop: %v", err)
	}

	if *once {
		report := loop.RunOnce(ctx)
		if report.Err != "" {
			log.Fatalf("cycle failed: %s", report.Err)
		}
		log.Printf("cycle done in %s: %s", report.Duration.Round(time.Millisecond), report.Counters)
		return
	}

	if cfg.StatusListen != "" {
		server := &http.Server{Addr: cfg.StatusListen, Handler: status}
		go func() {
			log.Printf("status server listening on %s", cfg.StatusListen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("status server failed: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, log.Default(), func(updated config.Config) {
				loop.UpdateIntervals(updated.PollInterval(), updated.SweepInterval())
			})
			if err != nil {
				log.Printf("config watcher stopped: %v", err)
			}
		}()
	}

	log.Printf("calbridge polling every %s (store %s)", cfg.PollInterval(), redactDSN(cfg.StoreDSN))
	if err := loop.Run(ctx); err != nil {
		log.Fatalf("loop failed: %v", err)
	}
	log.Printf("calbridge stopped")
}

func loadConfig(path string) config.Config {
	if path == "" {
		cfg, err := config.Parse(nil)
		if err != nil {
			log.Fatalf("failed to build default config: %v", err)
		}
		return cfg
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func applyEnvOverrides(cfg *config.Config) {
	cfg.PollSeconds = intEnv("CALBRIDGE_POLL_SECONDS", cfg.PollSeconds)
	cfg.SweepHours = intEnv("CALBRIDGE_SWEEP_HOURS", cfg.SweepHours)
	cfg.RetentionDays = intEnv("CALBRIDGE_RETENTION_DAYS", cfg.RetentionDays)
	cfg.Timezone = envOr("CALBRIDGE_TIMEZONE", cfg.Timezone)
	cfg.StoreDSN = envOr("CALBRIDGE_STORE_DSN", cfg.StoreDSN)
	cfg.StatusListen = envOr("CALBRIDGE_STATUS_ADDR", cfg.StatusListen)

	cfg.Google.ClientEmail = envOr("CALBRIDGE_GOOGLE_CLIENT_EMAIL", cfg.Google.ClientEmail)
	cfg.Google.PrivateKeyFile = envOr("CALBRIDGE_GOOGLE_PRIVATE_KEY_FILE", cfg.Google.PrivateKeyFile)
	cfg.Google.Impersonate = envOr("CALBRIDGE_GOOGLE_IMPERSONATE", cfg.Google.Impersonate)
	cfg.Google.CalendarID = envOr("CALBRIDGE_GOOGLE_CALENDAR_ID", cfg.Google.CalendarID)

	cfg.Outlook.TenantID = envOr("CALBRIDGE_OUTLOOK_TENANT_ID", cfg.Outlook.TenantID)
	cfg.Outlook.ClientID = envOr("CALBRIDGE_OUTLOOK_CLIENT_ID", cfg.Outlook.ClientID)
	cfg.Outlook.ClientSecret = envOr("CALBRIDGE_OUTLOOK_CLIENT_SECRET", cfg.Outlook.ClientSecret)
	cfg.Outlook.UserID = envOr("CALBRIDGE_OUTLOOK_USER_ID", cfg.Outlook.UserID)

	if raw := os.Getenv("CALBRIDGE_LEGACY_ENABLED"); raw != "" {
		cfg.Legacy.Enabled = raw == "1" || strings.EqualFold(raw, "true")
	}
	cfg.Legacy.BaseURL = envOr("CALBRIDGE_LEGACY_BASE_URL", cfg.Legacy.BaseURL)
	cfg.Legacy.Username = envOr("CALBRIDGE_LEGACY_USERNAME", cfg.Legacy.Username)
	cfg.Legacy.Password = envOr("CALBRIDGE_LEGACY_PASSWORD", cfg.Legacy.Password)
	cfg.Legacy.ExportPath = envOr("CALBRIDGE_LEGACY_EXPORT_PATH", cfg.Legacy.ExportPath)
}

func buildGoogleClient(ctx context.Context, cfg config.Config) (calsync.GoogleClient, error) {
	privateKey := ""
	if cfg.Google.PrivateKeyFile != "" {
		data, err := os.ReadFile(cfg.Google.PrivateKeyFile)
		if err != nil {
			return nil, err
		}
		privateKey = string(data)
	}
	api, err := google.NewLowLevelAPI(ctx, google.Config{
		ClientEmail: cfg.Google.ClientEmail,
		PrivateKey:  privateKey,
		Impersonate: cfg.Google.Impersonate,
		CalendarID:  cfg.Google.CalendarID,
	})
	if err != nil {
		return nil, err
	}
	return google.NewClient(api, log.Default()), nil
}

func envOr(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "..."
	}
	return dsn
}
