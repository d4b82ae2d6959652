package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/examclient/internal/api"
	"github.com/pavelanni/examclient/internal/exam"
	"github.com/pavelanni/examclient/internal/gateway"
	appI18n "github.com/pavelanni/examclient/internal/i18n"
	"github.com/pavelanni/examclient/internal/session"
	"github.com/pavelanni/examclient/internal/store"
)

// errReported marks a failure whose message was already shown to the user.
var errReported = errors.New("")

func main() {
	if err := rootCmd().Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "examclient",
		Short:         "Terminal client for timed multiple-choice tests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.String("api-url", "http://localhost:8000/api", "API base URL")
	f.String("fallback-url", "", "API base URL for the direct submission fallback (default: api-url)")
	f.String("state-dir", defaultStateDir(), "Directory for local client state")
	f.StringP("lang", "l", "en", "UI language (en, ru)")
	f.Duration("timeout", 30*time.Second, "HTTP request timeout")
	f.Int("retries", 3, "Attempts for idempotent requests")
	f.String("log-level", "warn", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	root.AddCommand(
		loginCmd(),
		logoutCmd(),
		whoamiCmd(),
		registerCmd(),
		papersCmd(),
		takeCmd(),
		resultsCmd(),
		serveDevCmd(),
	)
	return root
}

func defaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".examclient"
	}
	return filepath.Join(dir, "examclient")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelWarn
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("EXAMCLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("examclient")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/examclient")
	v.AddConfigPath("/etc/examclient")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

type clientConfig struct {
	APIURL      string        `validate:"required,url"`
	FallbackURL string        `validate:"omitempty,url"`
	StateDir    string        `validate:"required"`
	Lang        string        `validate:"oneof=en ru"`
	Timeout     time.Duration `validate:"gt=0"`
	Retries     int           `validate:"gte=1,lte=10"`
}

func loadClientConfig(v *viper.Viper) (clientConfig, error) {
	cfg := clientConfig{
		APIURL:      strings.TrimRight(v.GetString("api-url"), "/"),
		FallbackURL: strings.TrimRight(v.GetString("fallback-url"), "/"),
		StateDir:    v.GetString("state-dir"),
		Lang:        strings.ToLower(v.GetString("lang")),
		Timeout:     v.GetDuration("timeout"),
		Retries:     v.GetInt("retries"),
	}
	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// app is the wired client: durable state, gateway, REST client and session.
type app struct {
	cfg    clientConfig
	ctx    context.Context
	out    io.Writer
	state  *store.Store
	api    *api.Client
	sess   *session.Session
	snaps  *exam.Snapshots
	logger *slog.Logger
}

func openApp(cmd *cobra.Command) (*app, error) {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	cfg, err := loadClientConfig(v)
	if err != nil {
		return nil, err
	}
	if err := appI18n.Init(cfg.Lang); err != nil {
		return nil, fmt.Errorf("init i18n: %w", err)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	state, err := store.New(filepath.Join(cfg.StateDir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	backup, err := store.NewFileStore(filepath.Join(cfg.StateDir, "backup.json"))
	if err != nil {
		state.Close()
		return nil, fmt.Errorf("open backup state: %w", err)
	}

	logger := slog.Default()
	gw, err := gateway.New(cfg.APIURL, gateway.Options{
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
		Retry:      gateway.RetryPolicy{Attempts: cfg.Retries, Backoff: time.Second},
		Logger:     logger,
	})
	if err != nil {
		state.Close()
		return nil, err
	}
	client := api.New(gw, api.Options{
		FallbackURL:  cfg.FallbackURL,
		DirectClient: &http.Client{Timeout: cfg.Timeout},
		Logger:       logger,
	})
	sess, err := session.New(session.Options{
		Primary: state,
		Backup:  backup,
		Auth:    client,
		Logger:  logger,
	})
	if err != nil {
		state.Close()
		return nil, err
	}
	gw.Bind(sess)

	return &app{
		cfg:    cfg,
		ctx:    appI18n.Context(cmd.Context(), cfg.Lang),
		out:    cmd.OutOrStdout(),
		state:  state,
		api:    client,
		sess:   sess,
		snaps:  exam.NewSnapshots(state, nil, logger),
		logger: logger,
	}, nil
}

func (a *app) Close() {
	a.state.Close()
}

func (a *app) printf(msgID string, data map[string]any) {
	fmt.Fprintln(a.out, appI18n.Td(a.ctx, msgID, data))
}

func (a *app) println(msgID string) {
	fmt.Fprintln(a.out, appI18n.T(a.ctx, msgID))
}

// initialize restores the session and, when signed in, delivers results
// that an earlier run could not send.
func (a *app) initialize(ctx context.Context) session.State {
	st := a.sess.Initialize(ctx)
	if st == session.Authenticated {
		a.flushPending(ctx)
	}
	return st
}

func (a *app) flushPending(ctx context.Context) {
	sent, err := exam.FlushPending(ctx, a.state, a.api, a.sess.UserID(), a.logger)
	if err != nil {
		a.logger.Warn("pending results not delivered", "error", err)
	}
	if sent > 0 {
		fmt.Fprintln(a.out, appI18n.Tp(a.ctx, "PendingDelivered", sent))
	}
}

// requireAuth initializes the session and reports when it is not usable.
func (a *app) requireAuth(ctx context.Context) error {
	switch a.initialize(ctx) {
	case session.Authenticated:
		return nil
	case session.Degraded:
		a.println("SessionDegraded")
	default:
		a.println("NotLoggedIn")
	}
	return errReported
}

// report prints a user-facing message for err and returns errReported.
func (a *app) report(err error) error {
	switch {
	case errors.Is(err, gateway.ErrAuthExpired):
		a.println("SessionExpired")
	case errors.Is(err, gateway.ErrAuthRejected):
		a.println("AccessRejected")
	case errors.Is(err, gateway.ErrNotFound):
		a.println("TestNotFound")
	case errors.Is(err, exam.ErrSessionNotReady):
		a.println("NotLoggedIn")
	default:
		a.printf("RequestFailed", map[string]any{"Reason": gateway.Detail(err)})
	}
	a.logger.Debug("command failed", "error", err)
	return errReported
}
