package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/agentworkforce/chatsync/internal/channel"
	"github.com/agentworkforce/chatsync/internal/chatapi"
	"github.com/agentworkforce/chatsync/internal/chatsync"
	"github.com/agentworkforce/chatsync/internal/config"
	"github.com/agentworkforce/chatsync/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is the per-invocation state shared by subcommands.
type app struct {
	configFile string
	envFile    string
	logLevel   string

	// resolvedEnv is the dotenv file read at startup; reloads reuse it.
	resolvedEnv string

	cfg    *config.Config
	logger *zap.Logger
	level  zap.AtomicLevel
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "chatsync",
		Short: "Terminal client for the chat service",
		Long: `chatsync keeps conversations with peers and the automated responder in sync
over the push channel, falling back to the REST API when the channel is down.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file path (yaml)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", "", "dotenv file (default .env when present)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log_level")

	root.AddCommand(
		newMeCmd(a),
		newInboxCmd(a),
		newActivityCmd(a),
		newChatCmd(a),
		newSendCmd(a),
	)
	return root
}

func (a *app) init() error {
	a.resolvedEnv = a.envFile
	if a.resolvedEnv == "" {
		a.resolvedEnv = config.DefaultEnvFile()
	}
	cfg, err := config.Load(a.loadOptions())
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	logger, level, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	a.level = level
	logger.Debug("config loaded", zap.Any("config", cfg.Redacted()))
	return nil
}

func (a *app) loadOptions() config.LoadOptions {
	return config.LoadOptions{ConfigFile: a.configFile, EnvFile: a.resolvedEnv}
}

func (a *app) apiClient() *chatapi.Client {
	return chatapi.New(chatapi.Options{
		BaseURL: a.cfg.BaseURL,
		Token:   a.cfg.Token,
		Logger:  a.logger.Named("api"),
	})
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, unix.SIGTERM)
}

// withSession wires the channel, REST client, cache and metrics into a
// Session, runs it, and calls fn once the loop is up. The session stops when
// fn returns.
func (a *app) withSession(parent context.Context, fn func(ctx context.Context, s *chatsync.Session) error) error {
	ctx, stop := signalContext(parent)
	defer stop()

	ch, release, err := channel.Acquire(channel.Options{
		URL:       a.cfg.WSURL,
		Token:     a.cfg.Token,
		Logger:    a.logger.Named("channel"),
		Reconnect: true,
	})
	if err != nil {
		return err
	}
	defer release()

	cache, err := chatsync.BuildCacheFromDSN(a.cfg.CacheDSN)
	if err != nil {
		return err
	}
	if closer, ok := cache.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}

	reg := prometheus.NewRegistry()
	metrics, err := chatsync.NewMetrics(reg)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	session, err := chatsync.NewSession(a.apiClient(), ch, chatsync.SessionOptions{
		Identity:           a.cfg.Identity,
		BotIdentity:        a.cfg.BotIdentity,
		ConnectTimeout:     a.cfg.ConnectTimeout,
		UsersInterval:      a.cfg.UsersInterval,
		ActivityInterval:   a.cfg.ActivityInterval,
		StatusBufferWindow: a.cfg.StatusBufferWindow,
		IdleEviction:       a.cfg.IdleEviction,
		Cache:              cache,
		Logger:             a.logger.Named("session"),
		Metrics:            metrics,
		OnUnauthorized: func(err error) {
			a.logger.Error("credential rejected; obtain a new token", zap.Error(err))
			cancel(err)
		},
	})
	if err != nil {
		return err
	}

	if a.configFile != "" {
		watcher, err := config.NewWatcher(a.loadOptions(), a.logger.Named("config"), func(cfg *config.Config) {
			if a.logLevel != "" {
				return
			}
			if err := logging.SetLevel(a.level, cfg.LogLevel); err != nil {
				a.logger.Warn("log level not applied", zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(runCtx); err != nil {
			a.logger.Warn("config watch disabled", zap.Error(err))
		}
		defer watcher.Stop()
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return session.Run(gctx)
	})
	if a.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           metricsHandler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		defer cancel(nil)
		return fn(gctx, session)
	})

	err = g.Wait()
	if cause := context.Cause(runCtx); errors.Is(cause, chatsync.ErrUnauthorized) {
		return cause
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
