package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/layer-3/edupass/adapters/events"
	"github.com/layer-3/edupass/adapters/ledger/memory"
	"github.com/layer-3/edupass/adapters/sqldb"
	"github.com/layer-3/edupass/adapters/store"
	"github.com/layer-3/edupass/adapters/tokenizer"
	"github.com/layer-3/edupass/clock"
	"github.com/layer-3/edupass/config"
	"github.com/layer-3/edupass/core"
	"github.com/layer-3/edupass/ports"
	"github.com/layer-3/edupass/service"
	httptransport "github.com/layer-3/edupass/transport/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stellar/go/keypair"
	"go.uber.org/zap"
)

func serveCommand(v *viper.Viper) *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return serve(c.Context(), cfg)
		},
	}
	c.Flags().String("http-addr", "", "listen address (default :9000)")
	c.Flags().String("redis-url", "", "redis URL for the replay guard and settlement events")
	bindFlags(v, c.Flags(), map[string]string{
		"http-addr": "HTTP_ADDR",
		"redis-url": "REDIS_URL",
	})
	return c
}

type storage struct {
	repo     ports.PendingRepository
	profiles ports.IdentityProfileStore
	recorder ports.SettlementRecorder
	db       *sql.DB
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := &clock.Clock{}

	serverKey, err := serverKeypair(cfg, log)
	if err != nil {
		return err
	}
	signKey, err := jwtKey(cfg, log)
	if err != nil {
		return err
	}

	ledger, accounts, err := openLedger(cfg, serverKey, clk)
	if err != nil {
		return err
	}

	st, err := openStorage(ctx, cfg, accounts)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}

	consumed, publisher, err := openMessaging(cfg, clk, log)
	if err != nil {
		return err
	}
	defer publisher.Close()

	metrics, err := service.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	auth := service.NewAuthService(serverKey, cfg.NetworkPassphrase, st.profiles,
		tokenizer.NewJWTTokenizer(signKey, cfg.WebAuthDomain, clk), consumed,
		service.AuthConfig{
			HomeDomain:    cfg.HomeDomain,
			WebAuthDomain: cfg.WebAuthDomain,
			ChallengeTTL:  cfg.ChallengeTTL,
			SessionTTL:    cfg.SessionTTL,
		}, clk, metrics, log.Named("auth"))

	pipeline := service.NewPipeline(ledger, ledger, st.repo, st.recorder, events.NewWatermillPublisher(publisher),
		service.PipelineConfig{
			MaxRetries:     cfg.SubmitMaxRetries,
			Backoff:        cfg.SubmitBackoff,
			ConfirmTimeout: cfg.ConfirmTimeout,
			PollInterval:   cfg.ConfirmPollInterval,
			Cache: service.CacheConfig{
				TTL:        cfg.CacheTTL,
				Capacity:   cfg.CacheCapacity,
				EvictBatch: cfg.CacheEvictBatch,
			},
		}, clk, metrics, log.Named("pipeline"))

	coord := service.NewCoordinator(ledger, ledger, st.repo, pipeline,
		service.CoordinatorConfig{BaseFee: cfg.BaseFee, TxTimeout: cfg.TxTimeout},
		clk, metrics, log.Named("coordinator"))

	router := httptransport.SetupRouter(httptransport.Services{
		Auth:        auth,
		Coordinator: coord,
		Pipeline:    pipeline,
		Log:         log.Named("http"),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("server_account", serverKey.Address()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func serverKeypair(cfg *config.Config, log *zap.Logger) (*keypair.Full, error) {
	if cfg.ServerSigningSeed == "" {
		log.Warn("SERVER_SIGNING_SEED not set, using a random server account")
		return keypair.Random()
	}
	kp, err := keypair.Parse(cfg.ServerSigningSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SERVER_SIGNING_SEED: %w", err)
	}
	full, ok := kp.(*keypair.Full)
	if !ok {
		return nil, errors.New("SERVER_SIGNING_SEED must be a secret seed")
	}
	return full, nil
}

func jwtKey(cfg *config.Config, log *zap.Logger) (*ecdsa.PrivateKey, error) {
	if cfg.JWTPrivateKey == "" {
		log.Warn("JWT_PRIVATE_KEY not set, credentials will not survive a restart")
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	return tokenizer.LoadSigningKey(cfg.JWTPrivateKey)
}

func openLedger(cfg *config.Config, serverKey *keypair.Full, clk *clock.Clock) (*memory.Ledger, []config.LedgerAccount, error) {
	accounts, err := cfg.Accounts()
	if err != nil {
		return nil, nil, err
	}
	ledger := memory.New(memory.Config{Passphrase: cfg.NetworkPassphrase, Clock: clk})
	serverSeeded := false
	for _, a := range accounts {
		if err := ledger.OpenAccount(a.ID, a.Native); err != nil {
			return nil, nil, fmt.Errorf("failed to open ledger account %s: %w", a.ID, err)
		}
		serverSeeded = serverSeeded || a.ID == serverKey.Address()
	}
	if !serverSeeded {
		if err := ledger.OpenAccount(serverKey.Address(), 0); err != nil {
			return nil, nil, err
		}
	}
	return ledger, accounts, nil
}

// openStorage uses DATABASE_URL when set. In memory mode every seeded
// ledger account gets a beneficiary profile so it can sign in.
func openStorage(ctx context.Context, cfg *config.Config, accounts []config.LedgerAccount) (*storage, error) {
	if cfg.DatabaseURL == "" {
		profiles := make([]core.Profile, 0, len(accounts))
		for i, a := range accounts {
			profiles = append(profiles, core.Profile{Identity: a.ID, Role: core.RoleBeneficiary, UserID: int64(i + 1)})
		}
		return &storage{
			repo:     store.NewMemoryPendingRepository(),
			profiles: store.NewMemoryProfileStore(profiles...),
			recorder: store.NewMemorySettlementRecorder(),
		}, nil
	}

	db, err := sqldb.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &storage{
		repo:     sqldb.NewPendingRepository(db),
		profiles: sqldb.NewProfileStore(db),
		recorder: sqldb.NewSettlementRecorder(db),
		db:       db,
	}, nil
}

// openMessaging picks redis for the replay guard and settlement stream when
// REDIS_URL is set, and in-process equivalents otherwise.
func openMessaging(cfg *config.Config, clk *clock.Clock, log *zap.Logger) (ports.ChallengeStore, message.Publisher, error) {
	wlog := events.NewZapLogger(log.Named("events"))
	if cfg.RedisURL == "" {
		return store.NewMemoryStore(clk), gochannel.NewGoChannel(gochannel.Config{}, wlog), nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: client}, wlog)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create redis publisher: %w", err)
	}
	return store.NewRedisStore(client), publisher, nil
}
