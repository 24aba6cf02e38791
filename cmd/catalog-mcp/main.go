package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"marketplace-backend/internal/catalog"
	"marketplace-backend/internal/config"
	"marketplace-backend/internal/logging"
	"marketplace-backend/internal/mcpserver"
)

func main() {
	app := &cli.App{
		Name:  "catalog-mcp",
		Usage: "MCP tool server over the used-goods catalog",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "serve the tools over SSE and streamable HTTP",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "listen address (overrides CATALOG_HTTP_ADDR)"},
					&cli.StringFlag{Name: "catalog-file", Usage: "catalog .json or .jsonl file (overrides CATALOG_FILE)"},
					&cli.StringFlag{Name: "base-url", Usage: "public base URL advertised to SSE clients (overrides CATALOG_BASE_URL)"},
				},
				Action: serve,
			},
		},
		DefaultCommand: "serve",
	}
	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("catalog-mcp failed")
	}
}

func serve(c *cli.Context) error {
	cfg, err := config.LoadCatalog()
	if err != nil {
		return err
	}
	if v := c.String("addr"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := c.String("catalog-file"); v != "" {
		cfg.File = v
	}
	if v := c.String("base-url"); v != "" {
		cfg.BaseURL = v
	}
	logging.Setup(cfg.LogLevel)

	cat, err := catalog.LoadFile(cfg.File)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mcpserver.NewRouter(cat, cfg.BaseURL),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"addr":     cfg.HTTPAddr,
			"base_url": cfg.BaseURL,
			"items":    cat.Len(),
		}).Info("catalog MCP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return errors.Wrap(err, "http server")
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	// SSE streams stay open until clients leave; Shutdown waits up to the timeout.
	return errors.Wrap(server.Shutdown(shutdownCtx), "http shutdown")
}
