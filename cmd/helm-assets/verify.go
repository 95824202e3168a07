package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-assets/pkg/auth"
	"github.com/Mindburn-Labs/helm-assets/pkg/certification"
)

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		key      string
		encoding string
	)
	cmd.StringVar(&key, "key", "", "Certification public key, hex or PEM (REQUIRED)")
	cmd.StringVar(&encoding, "encoding", "identity", "Accept-Encoding sent with the request")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if key == "" || cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: helm-assets verify --key <public key> <url>")
		return 2
	}
	pub, err := parseCertKey(key)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	status, err := verifyURL(ctx, http.DefaultClient, pub, cmd.Arg(0), encoding)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "FAILED: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "OK: %s (%d) is certified\n", cmd.Arg(0), status)
	return 0
}

// verifyURL fetches rawURL and checks the response against its certificate.
// Accept-Encoding is set explicitly so the transport does not decompress.
func verifyURL(ctx context.Context, hc *http.Client, pub ed25519.PublicKey, rawURL, encoding string) (int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept-Encoding", encoding)
	resp, err := hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if err := certification.VerifyResponse(pub, path, resp.StatusCode, resp.Header, body); err != nil {
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

func parseCertKey(value string) (ed25519.PublicKey, error) {
	if raw, err := hex.DecodeString(strings.TrimSpace(value)); err == nil && len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	return auth.LoadPublicKey(value)
}
