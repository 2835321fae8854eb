package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/jsonresource-go/backends/fsconn"
	"github.com/ggoodman/jsonresource-go/backends/memory"
	"github.com/ggoodman/jsonresource-go/contextstore"
	"github.com/ggoodman/jsonresource-go/resource"
	"github.com/ggoodman/jsonresource-go/resourcehttp"
	"github.com/ggoodman/jsonresource-go/storage"
	memstorage "github.com/ggoodman/jsonresource-go/storage/memory"
	redisstorage "github.com/ggoodman/jsonresource-go/storage/redis"
)

const (
	contextRoute      = "GET /_contexts/{id}"
	maxStoredContexts = 10000
	shutdownGrace     = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

// server is everything serve runs: the HTTP handler plus the background
// work the selected backend needs.
type server struct {
	handler http.Handler
	watch   func(context.Context) error
	closers []io.Closer
}

func (s *server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	level, _ := cfg.level()
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func newServer(ctx context.Context, cfg *Config, log *slog.Logger) (*server, error) {
	v, err := cfg.version()
	if err != nil {
		return nil, err
	}
	s := &server{}

	var provider resource.ConnectionProvider
	switch cfg.Backend {
	case backendFS:
		p, err := fsconn.New(cfg.FSRoot, fsconn.WithLogger(log), fsconn.WithResourceVersion(v))
		if err != nil {
			return nil, err
		}
		provider, s.watch = p, p.Watch
	default:
		store := memory.NewStore(memory.WithLogger(log), memory.WithResourceVersion(v))
		if cfg.SeedFile != "" {
			if err := seed(store, cfg.SeedFile); err != nil {
				return nil, err
			}
		}
		provider = store
	}

	backend, err := newContextStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, backend)

	cs, err := contextstore.New(backend, contextstore.WithLogger(log))
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	h, err := resourcehttp.NewHandler(provider,
		resourcehttp.WithBasePath(cfg.BasePath),
		resourcehttp.WithHandlerLogger(log),
		resourcehttp.WithContextStore(cs, cfg.ContextTTL),
	)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(contextRoute, cs)
	mux.Handle("/", h)
	s.handler = mux
	return s, nil
}

func seed(store *memory.Store, path string) error {
	// #nosec G304 -- seed path comes from trusted config.
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := store.Seed(f); err != nil {
		return fmt.Errorf("seed %q: %w", path, err)
	}
	return nil
}

func newContextStorage(ctx context.Context, cfg *Config) (storage.Storage, error) {
	if cfg.RedisAddr == "" {
		return memstorage.New(maxStoredContexts)
	}
	cl := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return redisstorage.New(redisstorage.Config{Client: cl})
}

func serve(ctx context.Context, cfg *Config, logOut io.Writer) error {
	log := newLogger(cfg, logOut)
	s, err := newServer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}
	g.Go(func() error {
		log.InfoContext(gctx, "server.listen", slog.String("addr", cfg.Addr), slog.String("backend", cfg.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if s.watch != nil {
		g.Go(func() error { return s.watch(gctx) })
	}
	err = g.Wait()
	log.InfoContext(ctx, "server.stop")
	return err
}
