package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-assets/pkg/auth"
)

// loadOrGenerateKey reads a PEM Ed25519 key, creating it on first use.
func loadOrGenerateKey(path string) (ed25519.PrivateKey, error) {
	if _, err := os.Stat(path); err == nil {
		return auth.LoadPrivateKey(path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if os.Getenv("HELM_ASSETS_PRODUCTION") == "1" {
		return nil, fmt.Errorf("production mode requires %s to exist", path)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := writePrivateKey(path, priv); err != nil {
		return nil, err
	}
	slog.Warn("generated a new certification key", "file", path)
	return priv, nil
}

func writePrivateKey(path string, priv ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0600)
}

func writePublicKey(path string, pub ed25519.PublicKey) error {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0600)
}

func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	out := cmd.String("out", "helm-assets", "Output path prefix; writes <out>.key and <out>.pub")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := writePrivateKey(*out+".key", priv); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := writePublicKey(*out+".pub", pub); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "wrote %s.key and %s.pub\n", *out, *out)
	return 0
}

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		keyPath = cmd.String("key", "", "Ed25519 signing key in PEM (REQUIRED)")
		subject = cmd.String("sub", "", "Token subject, the caller id (REQUIRED)")
		roles   = cmd.String("roles", "", "Comma-separated roles")
		kid     = cmd.String("kid", "default", "Key id placed in the token header")
		ttl     = cmd.Duration("ttl", time.Hour, "Token lifetime")
	)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *keyPath == "" || *subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --key and --sub are required")
		cmd.Usage()
		return 2
	}
	priv, err := auth.LoadPrivateKey(*keyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	var roleList []string
	if *roles != "" {
		roleList = strings.Split(*roles, ",")
	}
	tok, err := auth.NewIssuer(priv, *kid, "helm-assets").Issue(context.Background(), *subject, roleList, *ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return 0
}
