package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alexjbarnes/siren-bind/hypermedia"
	"github.com/alexjbarnes/siren-bind/internal/auth"
	"github.com/alexjbarnes/siren-bind/internal/bindings"
	"github.com/alexjbarnes/siren-bind/internal/config"
	"github.com/alexjbarnes/siren-bind/internal/credfile"
	"github.com/alexjbarnes/siren-bind/internal/diskcache"
	"github.com/alexjbarnes/siren-bind/internal/live"
	"github.com/alexjbarnes/siren-bind/internal/logging"
	"github.com/alexjbarnes/siren-bind/internal/mcpserver"
	"github.com/alexjbarnes/siren-bind/internal/server"
	"github.com/alexjbarnes/siren-bind/token"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "keygen":
			if err := keygen(os.Stdout, os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(2)
			}

			return
		case "version":
			fmt.Println(Version)
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// keygen prints a fresh MCP API key for the user named in args, followed
// by the MCP_API_KEYS entry that enables it.
func keygen(w io.Writer, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: siren-bind keygen <user>")
	}

	user := strings.TrimSpace(args[0])
	if user == "" || strings.ContainsAny(user, ":,") {
		return fmt.Errorf("invalid user %q: must be non-empty without ':' or ','", args[0])
	}

	key := auth.GenerateAPIKey()

	fmt.Fprintf(w, "API key: %s\n", key)
	fmt.Fprintf(w, "MCP_API_KEYS entry: %s:%s\n", user, key)

	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("siren-bind starting",
		slog.String("version", Version),
		slog.String("entity_url", cfg.EntityURL),
		slog.Bool("live", cfg.LiveURL != ""),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	specs := bindings.DefaultSpecs()
	entityURL := cfg.EntityURL

	if cfg.BindingsFile != "" {
		f, err := bindings.Load(cfg.BindingsFile)
		if err != nil {
			return err
		}

		if specs, err = f.Specs(); err != nil {
			return fmt.Errorf("bindings %s: %w", cfg.BindingsFile, err)
		}

		if f.Entity != "" {
			entityURL = f.Entity
		}
	}

	tok, credFile, err := resolveToken(ctx, cfg, logger)
	if err != nil {
		return err
	}

	clientCfg := hypermedia.ClientConfig{
		HTTPClient: &http.Client{Timeout: cfg.HTTPTimeout},
		Logger:     logger,
		PrimingRel: cfg.PrimingRel,
	}

	if cfg.CachePath != "" {
		cache, err := diskcache.Open(cfg.CachePath)
		if err != nil {
			return fmt.Errorf("opening response cache: %w", err)
		}
		defer cache.Close()

		clientCfg.Cache = cache

		logger.Info("response cache enabled",
			slog.String("path", cfg.CachePath),
			slog.Int("entries", cache.Len(tok.CacheKey())),
		)
	}

	client := hypermedia.NewClient(clientCfg)
	defer client.Close()

	p := newPrinter(os.Stdout)

	root := client.State(entityURL, tok)
	defer client.Release(root)

	if err := root.AddObservables(p, specs...); err != nil {
		return fmt.Errorf("binding observers: %w", err)
	}
	defer root.Dispose(p)

	if _, err := root.Fetch(ctx, false); err != nil {
		return fmt.Errorf("fetching %s: %w", entityURL, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if credFile != nil {
		g.Go(func() error {
			return credFile.Watch(gctx)
		})
	}

	if cfg.LiveURL != "" {
		l, err := live.NewListener(live.Config{
			URL:     cfg.LiveURL,
			BaseURL: entityURL,
			Token:   tok,
			Target:  client,
		}, logger.With(slog.String("service", "live")))
		if err != nil {
			return err
		}

		g.Go(func() error {
			return l.Run(gctx)
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, client, tok, entityURL, logger)
		})
	}

	err = g.Wait()

	logger.Info("siren-bind stopped", slog.Any("properties", p.properties()))

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// resolveToken builds the credential from whichever source is configured.
// File-backed tokens also return the file so it can be watched.
func resolveToken(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*token.Token, *credfile.File, error) {
	switch {
	case cfg.CookieAuth:
		return token.New(token.CookieAuth), nil, nil
	case cfg.Token != "":
		return token.New(cfg.Token), nil, nil
	}

	f, err := credfile.Open(cfg.TokenFile, logger)
	if err != nil {
		return nil, nil, err
	}

	tok, err := token.NewSource(f.Provider()).Token(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving token: %w", err)
	}

	f.OnChange(func(v string) {
		if token.CacheKey(v) != tok.CacheKey() {
			logger.Warn("credential now identifies a different principal; cached entities keep the original partition until restart",
				slog.String("path", f.Path()),
			)
		}
	})

	return tok, f, nil
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, client *hypermedia.Client, tok *token.Token, entityURL string, logger *slog.Logger) error {
	keys, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	store := auth.NewStore()
	for _, k := range keys {
		if err := store.AddAPIKey(k.UserID, k.Key); err != nil {
			return err
		}
	}

	svc, err := mcpserver.NewService(client, tok, entityURL, mcpLogger)
	if err != nil {
		return err
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "siren-bind", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, svc)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Store:      store,
		MCPHandler: mcpHandler,
		Logger:     mcpLogger,
	})

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("keys", store.Len()),
	)

	return server.ListenAndServe(ctx, cfg.MCPListenAddr, mux, mcpLogger)
}
