// Command middled runs the middleware dispatcher daemon: the method
// registry, job manager and event bus behind WebSocket and REST endpoints.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/bcrypt"

	"github.com/naslab/middled/internal/auth"
	"github.com/naslab/middled/internal/config"
	"github.com/naslab/middled/internal/dispatcher"
	"github.com/naslab/middled/internal/domain/account"
	"github.com/naslab/middled/internal/jobs"
	"github.com/naslab/middled/internal/metrics"
	accountsvc "github.com/naslab/middled/internal/plugins/accounts"
	"github.com/naslab/middled/internal/plugins/authsvc"
	"github.com/naslab/middled/internal/plugins/core"
	"github.com/naslab/middled/internal/plugins/servicectl"
	"github.com/naslab/middled/internal/plugins/systeminfo"
	"github.com/naslab/middled/internal/registry"
	"github.com/naslab/middled/internal/storage"
	"github.com/naslab/middled/internal/storage/memory"
	"github.com/naslab/middled/internal/storage/postgres"
	"github.com/naslab/middled/internal/transport/rest"
	"github.com/naslab/middled/internal/transport/ws"
	"github.com/naslab/middled/pkg/logger"
)

// datastore is the union of every store the daemon needs.
type datastore interface {
	storage.AccountStore
	storage.APIKeyStore
	storage.AuditStore
	storage.JobStore
	storage.SecurityStore
}

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "middled: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: "stderr",
	}).Named("middled")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("daemon failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store datastore
	switch cfg.Datastore.Driver {
	case "postgres":
		st, db, err := postgres.Open(cfg.Datastore.DSN)
		if err != nil {
			return fmt.Errorf("open datastore: %w", err)
		}
		defer db.Close()
		store = st
		log.Infof("datastore: postgres")
	default:
		store = memory.New()
		log.Warn("datastore: in-memory, state is lost on restart")
	}

	if err := bootstrap(ctx, store, log); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	met := metrics.New()

	authr := auth.New(store, store, store, log.Named("auth"))
	authr.OnAuthFailure(met.AuthFailures.Inc)

	jm, err := jobs.NewManager(ctx, store, log.Named("jobs"), jobs.Options{
		Workers:     cfg.Jobs.Workers,
		HistorySize: cfg.Jobs.HistorySize,
		AbortGrace:  cfg.Jobs.AbortGrace,
		Metrics:     met,
	})
	if err != nil {
		return fmt.Errorf("start job manager: %w", err)
	}
	defer jm.Stop()

	set := registry.NewBuilderSet().
		Add("core", nil, core.Plugin(jm)).
		Add("auth", []string{"core"}, authsvc.Plugin(store)).
		Add("account", []string{"core"}, accountsvc.Plugin(store)).
		Add("service", []string{"core"}, servicectl.Plugin()).
		Add("system", []string{"core"}, systeminfo.Plugin(time.Now()))
	reg, err := registry.Build(log.Named("registry"), set)
	if err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}

	d := dispatcher.New(reg, jm, authr, store, met, log.Named("dispatcher"), dispatcher.Options{
		RatePerSecond: cfg.Rate.PerSecond,
		RateBurst:     cfg.Rate.Burst,
	})
	defer d.Stop()

	maint := cron.New()
	maint.AddFunc("@every 1m", func() {
		if n := authr.Tokens.SweepExpired(); n > 0 {
			log.WithField("count", n).Infof("swept expired tokens")
		}
	})
	maint.AddFunc("@hourly", func() {
		if err := jm.Prune(context.Background()); err != nil {
			log.WithError(err).Warn("prune job history")
		}
	})
	maint.Start()
	defer maint.Stop()

	mux := http.NewServeMux()
	mux.Handle("/websocket", ws.NewServer(d, log.Named("ws")))
	mux.Handle("/api/v1/", rest.NewServer(d, log.Named("rest")).Router())
	mux.Handle("/metrics", met.Handler())

	srv := &http.Server{
		Addr:              cfg.Listen.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Infof("listening on %s", cfg.Listen.Addr)

	select {
	case <-ctx.Done():
		log.Infof("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// bootstrap creates the initial full admin when the account table is empty.
// The password comes from MIDDLED_ROOT_PASSWORD, or is generated and printed
// exactly once.
func bootstrap(ctx context.Context, store storage.AccountStore, log *logger.Logger) error {
	accts, err := store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accts) > 0 {
		return nil
	}

	password := os.Getenv("MIDDLED_ROOT_PASSWORD")
	generated := password == ""
	if generated {
		raw := make([]byte, 12)
		if _, err := rand.Read(raw); err != nil {
			return err
		}
		password = hex.EncodeToString(raw)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if _, err := store.CreateAccount(ctx, account.Account{
		Username:     "root",
		FullName:     "Administrator",
		PasswordHash: string(hash),
		Roles:        []string{auth.RoleFullAdmin},
	}); err != nil {
		return err
	}
	if generated {
		fmt.Printf("created initial account root with password %s\n", password)
	} else {
		log.Infof("created initial account root")
	}
	return nil
}
