package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pavelanni/examclient/internal/devserver"
)

func serveDevCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-dev",
		Short: "Run a local development backend speaking the platform API",
		RunE:  runServeDev,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8000", "HTTP listen address")
	f.String("db-driver", string(devserver.DriverSQLite), "Database driver (sqlite, postgres)")
	f.String("db-dsn", "", "Database DSN (driver default when empty)")
	f.StringSlice("seed", nil, "YAML fixture files to import (repeatable)")
	f.String("admin-email", "admin@example.com", "Email of the initial admin account")
	f.String("admin-password", "", "Initial admin password (or set EXAMCLIENT_ADMIN_PASSWORD)")
	f.String("token-secret", "", "HMAC secret for access tokens (or set EXAMCLIENT_TOKEN_SECRET)")
	f.Duration("token-ttl", time.Hour, "Access token lifetime")
	f.StringSlice("cors-origins", nil, "Allowed CORS origins")
	f.String("questions-envelope", "", "Wrap question lists in an object under this key (questions, data, results)")
	f.String("api-prefix", "/api", "Path prefix the API is mounted under")
	return cmd
}

func runServeDev(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	secret := v.GetString("token-secret")
	if secret == "" {
		return fmt.Errorf("token secret is required: set --token-secret flag or EXAMCLIENT_TOKEN_SECRET env var")
	}
	envelope := strings.ToLower(v.GetString("questions-envelope"))
	switch envelope {
	case "", "questions", "data", "results":
	default:
		return fmt.Errorf("invalid questions-envelope %q", envelope)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	driver := devserver.Driver(v.GetString("db-driver"))
	db, err := devserver.Open(ctx, driver, v.GetString("db-dsn"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	s := devserver.NewStore(db, driver)
	defer s.Close()

	if err := devserver.SeedAdmin(ctx, s, v.GetString("admin-email"), v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	for _, path := range v.GetStringSlice("seed") {
		if err := devserver.SeedFile(cmd.Context(), s, path); err != nil {
			return err
		}
	}

	handler := devserver.NewServer(s, devserver.Config{
		APIPrefix:         v.GetString("api-prefix"),
		AllowedOrigins:    v.GetStringSlice("cors-origins"),
		QuestionsEnvelope: envelope,
		TokenSecret:       secret,
		TokenTTL:          v.GetDuration("token-ttl"),
	}, slog.Default())

	addr := v.GetString("addr")
	slog.Info("starting dev backend",
		"addr", addr,
		"driver", driver,
		"token_ttl", v.GetDuration("token-ttl"),
		"questions_envelope", envelope,
	)
	return http.ListenAndServe(addr, handler)
}
