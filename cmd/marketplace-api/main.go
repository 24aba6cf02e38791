package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"marketplace-backend/internal/config"
	"marketplace-backend/internal/httpapi"
	"marketplace-backend/internal/idempotency"
	"marketplace-backend/internal/kstream"
	"marketplace-backend/internal/logging"
	"marketplace-backend/internal/marketplace"
	"marketplace-backend/internal/model"
	"marketplace-backend/internal/projections"
	"marketplace-backend/internal/store"
)

func main() {
	app := &cli.App{
		Name:  "marketplace-api",
		Usage: "listings and offers REST API",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "apply database migrations and exit",
				Action: migrate,
			},
		},
		DefaultCommand: "serve",
	}
	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("marketplace-api failed")
	}
}

func migrate(*cli.Context) error {
	cfg, err := config.LoadAPI()
	if err != nil {
		return err
	}
	logging.Setup(cfg.LogLevel)
	return store.Migrate(cfg.Database)
}

func serve(c *cli.Context) error {
	cfg, err := config.LoadAPI()
	if err != nil {
		return err
	}
	logging.Setup(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.AutoMigrate {
		if err := store.Migrate(cfg.Database); err != nil {
			return err
		}
	}
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	opts := httpapi.Options{Ping: st.Ping}
	var (
		inner     []func(http.Handler) http.Handler
		publisher marketplace.EventPublisher = marketplace.PublisherFunc(logEvent)
		wg        sync.WaitGroup
	)

	var projector *projections.Projector
	if cfg.RedisAddr != "" {
		// redis/go-redis/v9: one pooled client shared by idempotency and projections.
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable at startup; idempotency fails open")
		}

		projector = projections.NewProjector(rdb)
		opts.Activity = projector
		inner = append(inner, idempotency.Middleware(idempotency.NewRedisStore(rdb), cfg.IdempotencyTTL))
		opts.Ping = pingAll(st.Ping, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	switch {
	case len(cfg.KafkaBrokers) > 0:
		producer := kstream.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		publisher = producer

		if projector != nil {
			reader := kstream.KafkaReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID)
			consumer := projector.Consumer(reader)
			opts.Ping = pingAll(opts.Ping, consumer.Health)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer reader.Close()
				consumer.Run(ctx)
				log.Info("projector consumer stopped")
			}()
		}
	case projector != nil:
		// Without a broker, events are projected inline.
		publisher = marketplace.PublisherFunc(projector.Apply)
	}

	svc := marketplace.NewService(st, publisher)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(svc, opts, inner...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{"addr": cfg.HTTPAddr, "driver": cfg.Driver}).Info("marketplace API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		cancel()
		wg.Wait()
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	wg.Wait()
	return nil
}

func logEvent(_ context.Context, evt model.Event) error {
	log.WithFields(log.Fields{"event_id": evt.ID, "type": evt.Type, "listing_id": evt.ListingID}).Debug("event")
	return nil
}

func pingAll(pings ...func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, p := range pings {
			if err := p(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}
