package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/client"
	"github.com/Mindburn-Labs/helm-assets/pkg/proposal"
	"github.com/Mindburn-Labs/helm-assets/pkg/server"
)

// compressible lists the content types that also get a gzip encoding.
var compressible = []string{"text/", "application/javascript", "application/json", "image/svg+xml", "application/wasm", "application/xml"}

type pushOptions struct {
	namespace string
	prefix    string
	chunkSize int
	gzip      bool
	proposal  bool
	clear     bool
	release   bool
}

func runPushCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("push", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		opts    pushOptions
		url     string
		token   string
		timeout time.Duration
	)
	cmd.StringVar(&url, "server", "http://localhost:8080", "Server base URL")
	cmd.StringVar(&token, "token", "", "API token (default $HELM_ASSETS_TOKEN)")
	cmd.StringVar(&opts.namespace, "namespace", "default", "Target namespace")
	cmd.StringVar(&opts.prefix, "prefix", "/", "Path the directory is mounted at")
	cmd.IntVar(&opts.chunkSize, "chunk-size", 1<<20, "Upload chunk size in bytes")
	cmd.BoolVar(&opts.gzip, "gzip", true, "Also upload a gzip encoding of compressible files")
	cmd.BoolVar(&opts.proposal, "proposal", false, "Stage the upload in a proposal and commit it")
	cmd.BoolVar(&opts.clear, "clear", false, "With --proposal, replace the whole namespace")
	cmd.BoolVar(&opts.release, "release", false, "With --proposal, deploy as a release upgrade")
	cmd.DurationVar(&timeout, "timeout", 10*time.Minute, "Overall timeout")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: helm-assets push [flags] <dir>")
		cmd.PrintDefaults()
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, p, err := push(ctx, newClient(url, token), cmd.Arg(0), opts)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if p != nil {
		_, _ = fmt.Fprintf(stdout, "proposal %d %s: %d files\n", p.ID, p.Status, n)
	} else {
		_, _ = fmt.Fprintf(stdout, "uploaded %d files\n", n)
	}
	return 0
}

// push uploads every regular file under dir. With opts.proposal the files
// are staged, the proposal is submitted and then committed with the hash the
// server reported.
func push(ctx context.Context, c *client.Client, dir string, opts pushOptions) (int, *proposal.Proposal, error) {
	var pid *uint64
	if opts.proposal {
		kind := proposal.KindAssetsUpgrade
		if opts.release {
			kind = proposal.KindReleaseUpgrade
		}
		p, err := c.InitProposal(ctx, proposal.Type{Kind: kind, Namespace: opts.namespace, ClearExisting: opts.clear})
		if err != nil {
			return 0, nil, err
		}
		pid = &p.ID
	}

	n := 0
	err := filepath.WalkDir(dir, func(file string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, file)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		if err := pushFile(ctx, c, path.Join(opts.prefix, filepath.ToSlash(rel)), data, pid, opts); err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
		n++
		return nil
	})
	if err != nil {
		return n, nil, err
	}
	if pid == nil {
		return n, nil, nil
	}

	p, err := c.SubmitProposal(ctx, *pid)
	if err != nil {
		return n, nil, err
	}
	if p.ExpectedSHA256 == nil {
		return n, p, fmt.Errorf("proposal %d: submit returned no hash", p.ID)
	}
	p, err = c.CommitProposal(ctx, p.ID, *p.ExpectedSHA256)
	if err != nil {
		return n, nil, err
	}
	return n, p, nil
}

func pushFile(ctx context.Context, c *client.Client, fullPath string, data []byte, pid *uint64, opts pushOptions) error {
	contentType := mime.TypeByExtension(path.Ext(fullPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	headers := []assets.HeaderField{{Name: "content-type", Value: contentType}}
	key := server.InitUploadRequest{Namespace: opts.namespace, FullPath: fullPath, ProposalID: pid}

	if _, err := c.UploadEncoding(ctx, key, assets.EncodingIdentity, data, opts.chunkSize, headers); err != nil {
		return err
	}
	if !opts.gzip || !isCompressible(contentType) {
		return nil
	}
	gz, err := gzipBytes(data)
	if err != nil {
		return err
	}
	if len(gz) >= len(data) {
		return nil
	}
	_, err = c.UploadEncoding(ctx, key, assets.EncodingGzip, gz, opts.chunkSize, headers)
	return err
}

// newClient falls back to $HELM_ASSETS_TOKEN when token is empty.
func newClient(url, token string) *client.Client {
	if token == "" {
		token = os.Getenv("HELM_ASSETS_TOKEN")
	}
	return client.New(url, client.WithToken(token))
}

func isCompressible(contentType string) bool {
	for _, p := range compressible {
		if strings.HasPrefix(contentType, p) {
			return true
		}
	}
	return false
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
