// ABOUTME: Entry point for the principal-gateway authentication core
// ABOUTME: Wires signing authority, store, authenticator, and federation bridge

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/perihelion-labs/principal-gateway/internal/authn"
	"github.com/perihelion-labs/principal-gateway/internal/config"
	"github.com/perihelion-labs/principal-gateway/internal/crypto"
	"github.com/perihelion-labs/principal-gateway/internal/federation"
	"github.com/perihelion-labs/principal-gateway/internal/store"
)

// core bundles the authentication components an embedding process wires to
// its transports.
type core struct {
	store         *store.SQLiteStore
	authenticator *authn.Authenticator
	bridge        *federation.Bridge
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: principal-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve        Start the authentication core")
		fmt.Println("  check-config Validate the configuration file")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "check-config":
		err = runCheckConfig()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func configPath() string {
	if path := os.Getenv("PGW_CONFIG"); path != "" {
		return path
	}
	return "principal-gateway.yaml"
}

func runCheckConfig() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	fmt.Printf("config ok: database=%s federation=%v\n",
		cfg.Database.Path, cfg.Federation.DirectoryURL != "")
	return nil
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	salt, secret, generated, err := cfg.SigningMaterial()
	if err != nil {
		return err
	}
	if generated {
		logger.Warn("signing material generated at startup; previously issued tokens are now invalid")
	}

	authority, err := crypto.NewSigningAuthority(salt, secret)
	if err != nil {
		return err
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer s.Close()

	core := &core{
		store:         s,
		authenticator: authn.New(s, authority, logger),
	}

	var bridge *federation.Bridge
	authorityKey, err := cfg.AuthorityKey()
	if err != nil {
		return err
	}
	if authorityKey != nil {
		verifier, err := crypto.NewVerifyingAuthority(authorityKey)
		if err != nil {
			return err
		}
		bridge = federation.NewBridge(s, authority, verifier, federation.Options{
			DirectoryURL:        cfg.Federation.DirectoryURL,
			GatewayBaseURL:      cfg.Federation.GatewayBaseURL,
			RequiredEmailDomain: cfg.Auth.RequiredEmailDomain,
			HandshakeTimeout:    cfg.Federation.HandshakeTimeout,
		}, logger)
	}
	core.bridge = bridge

	logger.Info("principal-gateway initialized",
		"database", cfg.Database.Path,
		"local_realm", authn.Scope,
		"federation", core.bridge != nil)

	// The serving transports are wired by the embedding process; this
	// command holds the core alive until it is told to stop.
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
