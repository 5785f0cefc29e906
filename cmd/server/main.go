// Mentor bot server: chat dispatcher, delivery engine and ops API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ashureev/mentorbot/internal/api"
	"github.com/ashureev/mentorbot/internal/assignment"
	"github.com/ashureev/mentorbot/internal/bot"
	"github.com/ashureev/mentorbot/internal/config"
	"github.com/ashureev/mentorbot/internal/delivery"
	"github.com/ashureev/mentorbot/internal/dialogue"
	"github.com/ashureev/mentorbot/internal/directory"
	"github.com/ashureev/mentorbot/internal/mentorship"
	"github.com/ashureev/mentorbot/internal/recordstore"
	"github.com/ashureev/mentorbot/internal/report"
	"github.com/ashureev/mentorbot/internal/store"
	"github.com/ashureev/mentorbot/internal/telegram"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	roster := cfg.Community.Roster()
	slog.Info("Starting server", "ops_port", cfg.OpsPort, "data_dir", cfg.DataDir,
		"superadmin_id", roster.SuperAdmin, "coordinators", len(roster.Coordinators),
		"levels", cfg.Community.Levels)

	records, err := recordstore.New(cfg.DataDir,
		recordstore.WithLogger(logger),
		recordstore.WithBackupRetention(cfg.BackupRetain))
	if err != nil {
		slog.Error("Failed to initialize record store", "error", err)
		os.Exit(1)
	}
	dir := directory.NewRepository(records, cfg.Community.Ladder(), logger)
	reportStartup(dir, records)

	sessions, err := store.NewSQLite(cfg.SessionDBPath)
	if err != nil {
		slog.Error("Failed to initialize session database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := sessions.Close(); closeErr != nil {
			slog.Error("Failed to close session database", "error", closeErr)
		}
	}()
	if err := sessions.Ping(context.Background()); err != nil {
		slog.Error("Session database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Session database connected", "path", cfg.SessionDBPath)

	tg, err := telegram.New(telegram.Config{Token: cfg.BotToken, BaseURL: cfg.TelegramAPIURL}, logger)
	if err != nil {
		slog.Error("Failed to initialize Bot API client", "error", err)
		os.Exit(1)
	}

	engine := delivery.NewEngine(tg, delivery.NewHistory(records),
		delivery.WithRate(rate.Limit(cfg.DeliveryRate)),
		delivery.WithLogger(logger))
	hub := api.NewHub(wsOrigins(cfg.FrontendURL), logger)
	defer hub.Close()

	var b *bot.Bot
	notifier := mentorship.NotifierFunc(func(ctx context.Context, ev mentorship.Event) error {
		return b.Notify(ctx, ev)
	})
	b = bot.New(bot.Deps{
		API:         tg,
		Gateway:     tg,
		Directory:   dir,
		Machine:     mentorship.NewMachine(dir, roster, notifier, logger),
		Engine:      engine,
		Assignments: assignment.NewService(dir, engine, records, tg, roster, logger),
		Dialogues:   dialogue.NewManager(dir, records, tg, logger),
		Sessions:    sessions,
		Roster:      roster,
		Logger:      logger,
		Progress:    hub.Publish,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tg.SetMyCommands(ctx, bot.Commands); err != nil {
		slog.Warn("Failed to publish command menu", "error", err)
	} else {
		slog.Info("Command menu published")
	}

	store.StartTTLWorker(ctx, sessions, cfg.SessionTTL, func(userID string) {
		slog.Debug("Conversation step expired", "user_id", userID)
	})

	handler := api.NewHandler(dir, engine, sessions, hub, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.OpsPort,
		Handler:      handler.Router(cfg.OpsToken, corsOrigins(cfg.FrontendURL)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // retries and websockets stream for a long time
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Polling for updates", "timeout", cfg.PollTimeout)
		err := tg.Poll(gctx, cfg.PollTimeout, b.Handle)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		slog.Info("Ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.ReportChatID != "" {
		sched, err := report.NewScheduler(dir, tg, cfg.ReportChatID, cfg.ReportTime, logger)
		if err != nil {
			slog.Error("Failed to initialize report scheduler", "error", err)
			os.Exit(1)
		}
		g.Go(func() error { return sched.Run(gctx) })
	} else {
		slog.Info("Daily report disabled (REPORT_CHAT_ID not set)")
	}

	err = g.Wait()
	stop()

	slog.Info("Shutting down gracefully...")
	b.Wait()

	if err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

// reportStartup logs the state of the data directory.
func reportStartup(dir *directory.Repository, records *recordstore.Store) {
	users, err := dir.Users(context.Background())
	if err != nil {
		slog.Error("Failed to load directory", "error", err)
		os.Exit(1)
	}
	backups, _ := records.Backups(directory.DocumentName)
	corrupted, _ := records.Corrupted(directory.DocumentName)
	slog.Info("Directory loaded", "users", len(users), "backups", len(backups), "corrupted_files", len(corrupted))
	if len(corrupted) > 0 {
		slog.Warn("Corrupted directory files were quarantined", "count", len(corrupted))
	}
}

func corsOrigins(frontendURL string) []string {
	if frontendURL == "" {
		return []string{"*"}
	}
	return []string{frontendURL}
}

func wsOrigins(frontendURL string) []string {
	u, err := url.Parse(frontendURL)
	if frontendURL == "" || err != nil || u.Host == "" {
		return []string{"*"}
	}
	return []string{u.Host}
}
