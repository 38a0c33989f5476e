package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/playmatatu/arena/internal/admin"
	"github.com/playmatatu/arena/internal/api"
	"github.com/playmatatu/arena/internal/api/handlers"
	"github.com/playmatatu/arena/internal/config"
	"github.com/playmatatu/arena/internal/consensus"
	"github.com/playmatatu/arena/internal/database"
	"github.com/playmatatu/arena/internal/lifecycle"
	"github.com/playmatatu/arena/internal/logger"
	"github.com/playmatatu/arena/internal/matchmaking"
	"github.com/playmatatu/arena/internal/migrations"
	"github.com/playmatatu/arena/internal/notify"
	"github.com/playmatatu/arena/internal/payment"
	"github.com/playmatatu/arena/internal/proof"
	"github.com/playmatatu/arena/internal/redis"
	"github.com/playmatatu/arena/internal/scheduler"
	"github.com/playmatatu/arena/internal/settlement"
	"github.com/playmatatu/arena/internal/sms"
	"github.com/playmatatu/arena/internal/stats"
	"github.com/playmatatu/arena/internal/store"
	"github.com/playmatatu/arena/internal/store/memory"
	"github.com/playmatatu/arena/internal/store/postgres"
	"github.com/playmatatu/arena/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.ServiceName, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
	log.Info("server stopped cleanly")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	s, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	rdb, err := redis.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		log.Info("redis connected")
	} else {
		log.Info("redis not configured; caches and cross-instance events disabled")
	}

	hub := ws.NewHub(log)
	sink := buildSink(cfg, s, rdb, hub, log)

	var rail payment.Rail
	if c := payment.NewClient(cfg, rdb, log); c != nil {
		rail = c
		log.Info("payout rail configured", zap.String("wallet", cfg.PayoutWallet))
	} else {
		log.Warn("payout rail not configured; winnings will be credited to balances")
	}

	var provider consensus.ActivityFetcher
	if c := stats.NewClient(cfg, rdb, log); c != nil {
		provider = c
	}
	var proofs consensus.ProofChecker
	if v, err := proof.NewVerifier(ctx, cfg, log); err != nil {
		return err
	} else if v != nil {
		proofs = v
	}

	feeRate, err := settlement.ParseFeeRate(cfg.PlatformFeeRate)
	if err != nil {
		return err
	}
	engine := settlement.New(s, rail, sink, feeRate, cfg.PayoutTimeout, log)

	g, gctx := errgroup.WithContext(ctx)

	var dispatcher settlement.Dispatcher = settlement.DirectDispatcher{Engine: engine}
	if cfg.KafkaBrokers != "" {
		writer := settlement.NewWriter(cfg.KafkaBrokers, cfg.KafkaSettlementTopic)
		defer writer.Close()
		reader := settlement.NewReader(cfg.KafkaBrokers, cfg.KafkaSettlementTopic, cfg.KafkaSettlementGroup)
		defer reader.Close()

		dispatcher = settlement.NewKafkaDispatcher(writer, log)
		consumer := settlement.NewConsumer(reader, engine, log)
		g.Go(func() error {
			if err := consumer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("settlement consumer: %w", err)
			}
			return nil
		})
		log.Info("settlement queue enabled", zap.String("topic", cfg.KafkaSettlementTopic))
	}

	cons := consensus.New(s, dispatcher, sink, consensus.ThresholdsFromConfig(cfg), proofs, provider, log)
	ctrl := lifecycle.New(s, engine, lifecycle.NewStoreGenerator(s), sink, lifecycle.ThresholdsFromConfig(cfg), cfg.SweepParallelism, log)
	mm := matchmaking.New(s, sink, matchmaking.RulesFromConfig(cfg), log)
	adm := admin.New(s, engine, cfg.JWTSecret, cfg.AdminSessionTTL, log)

	sched, err := scheduler.New(gctx, scheduler.Jobs{
		Matchmaker:         mm,
		MatchmakerInterval: cfg.MatchmakerInterval,
		Lifecycle:          ctrl,
		SweepInterval:      cfg.SweepInterval,
	}, log)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() {
		if err := sched.Shutdown(); err != nil {
			log.Warn("scheduler shutdown", zap.Error(err))
		}
	}()

	go hub.Run(gctx)
	hub.Subscribe(gctx, rdb)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router, &handlers.Handlers{
		Store:      s,
		Matchmaker: mm,
		Lifecycle:  ctrl,
		Consensus:  cons,
		Admin:      adm,
		Log:        log,
	}, hub, cfg, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore picks the storage driver. The memory driver exists for local
// runs and demos; balances vanish on restart.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		log.Warn("using in-memory store; state is lost on restart")
		return memory.New(), func() {}, nil
	case "postgres":
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if cfg.MigrateOnStart {
			if err := migrations.Run(db, cfg.MigrationsSource, log.Named("migrate")); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		log.Info("postgres connected")
		pg := postgres.New(db)
		return pg, func() { pg.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// buildSink fans events out to the log, the WebSocket layer and SMS. With
// Redis, WebSocket delivery goes through pub/sub so every instance sees it.
func buildSink(cfg *config.Config, s store.Store, rdb *goredis.Client, hub *ws.Hub, log *zap.Logger) notify.Sink {
	sinks := notify.Multi{notify.Log{Logger: log.Named("events")}}
	if rdb != nil {
		sinks = append(sinks, notify.NewRedis(rdb, log))
	} else {
		sinks = append(sinks, hub)
	}

	if texter := sms.NewClient(cfg, rdb, log); texter != nil {
		lookup := func(ctx context.Context, userID string) (string, error) {
			var phone string
			err := s.WithTx(ctx, func(tx store.Tx) error {
				u, err := tx.GetUser(ctx, userID)
				if err != nil {
					return err
				}
				phone = u.Phone
				return nil
			})
			return phone, err
		}
		sinks = append(sinks, notify.NewSMS(texter, lookup, cfg.FrontendURL, log))
		log.Info("sms notifications enabled")
	}
	return sinks
}
