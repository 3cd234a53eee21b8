// ABOUTME: Admin CLI for principal-gateway user and token management
// ABOUTME: Registers users, runs local logins, and inspects signed tokens

package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/perihelion-labs/principal-gateway/internal/authn"
	"github.com/perihelion-labs/principal-gateway/internal/config"
	"github.com/perihelion-labs/principal-gateway/internal/crypto"
	"github.com/perihelion-labs/principal-gateway/internal/federation"
	"github.com/perihelion-labs/principal-gateway/internal/identity"
	"github.com/perihelion-labs/principal-gateway/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "register":
		err = cmdRegister(args)
	case "login":
		err = cmdLogin(args)
	case "decode":
		err = cmdDecode(args)
	case "providers":
		err = cmdProviders()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: pgw-admin <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  register <username>   Register a username/password user")
	fmt.Println("  login <username>      Run a full challenge-response login")
	fmt.Println("  decode <token>        Decode and verify a signed token")
	fmt.Println("  providers             List login providers and availability")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  PGW_CONFIG  Config file path (default principal-gateway.yaml)")
}

func loadEnv() (*config.Config, *store.SQLiteStore, *crypto.SigningAuthority, error) {
	path := os.Getenv("PGW_CONFIG")
	if path == "" {
		path = "principal-gateway.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, err
	}

	salt, secret, generated, err := cfg.SigningMaterial()
	if err != nil {
		return nil, nil, nil, err
	}
	if generated {
		color.Yellow("Warning: signing material not configured; tokens will not survive this process")
	}

	authority, err := crypto.NewSigningAuthority(salt, secret)
	if err != nil {
		return nil, nil, nil, err
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, s, authority, nil
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

func cmdRegister(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pgw-admin register <username>")
	}
	userName := args[0]

	_, s, authority, err := loadEnv()
	if err != nil {
		return err
	}
	defer s.Close()

	password, err := readPassword("Password: ")
	if err != nil {
		return err
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}
	verifyKey, _, err := crypto.DeriveKeyPair(salt, password)
	if err != nil {
		return err
	}

	a := authn.New(s, authority, nil)
	userID, err := a.Register(context.Background(), userName, salt, verifyKey, &store.UserProfile{Nickname: userName})
	if err != nil {
		return err
	}

	color.Green("Registered %s (user id %d)", userName, userID)
	return nil
}

func cmdLogin(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pgw-admin login <username>")
	}
	userName := args[0]

	_, s, authority, err := loadEnv()
	if err != nil {
		return err
	}
	defer s.Close()

	password, err := readPassword("Password: ")
	if err != nil {
		return err
	}

	ctx := context.Background()
	a := authn.New(s, authority, nil)

	challenge, err := a.GenerateChallenge(ctx, userName)
	if err != nil {
		return err
	}

	// Client side of the protocol: derive the login key from the returned
	// salt and sign the nonce.
	_, priv, err := crypto.DeriveKeyPair(challenge.Salt, password)
	if err != nil {
		return err
	}
	signature := crypto.Sign(challenge.Nonce, priv)

	signed, err := a.VerifyChallenge(ctx, userName, challenge.Nonce, signature)
	if err != nil {
		return err
	}

	color.Green("Login succeeded (user id %d)", signed.UserID)
	fmt.Println(identity.EncodeToken(*signed))
	return nil
}

func cmdDecode(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pgw-admin decode <token>")
	}

	_, s, authority, err := loadEnv()
	if err != nil {
		return err
	}
	defer s.Close()

	signed, err := identity.DecodeToken(args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Scope:\t%s\n", signed.Scope)
	fmt.Fprintf(w, "ID:\t%s\n", signed.ID)
	fmt.Fprintf(w, "UserID:\t%d\n", signed.UserID)
	fmt.Fprintf(w, "Signature:\t%s\n", base64.StdEncoding.EncodeToString(signed.Signature))
	w.Flush()

	// Full verification also re-checks that the principal mapping still
	// resolves, so disassociated or deleted users read as invalid.
	a := authn.New(s, authority, nil)
	if _, err := a.VerifyToken(context.Background(), args[0]); err != nil {
		color.Red("Token: NOT valid for this server (%v)", err)
	} else {
		color.Green("Token: valid for this server")
	}
	return nil
}

func cmdProviders() error {
	cfg, s, authority, err := loadEnv()
	if err != nil {
		return err
	}
	defer s.Close()

	authorityKey, err := cfg.AuthorityKey()
	if err != nil {
		return err
	}
	if authorityKey == nil {
		fmt.Printf("%s\ttrue (local)\n", authn.Scope)
		return nil
	}

	verifier, err := crypto.NewVerifyingAuthority(authorityKey)
	if err != nil {
		return err
	}
	bridge := federation.NewBridge(s, authority, verifier, federation.Options{
		DirectoryURL:   cfg.Federation.DirectoryURL,
		GatewayBaseURL: cfg.Federation.GatewayBaseURL,
	}, nil)

	providers, err := bridge.Providers(context.Background())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for name, available := range providers {
		fmt.Fprintf(w, "%s\t%v\n", name, available)
	}
	return w.Flush()
}
