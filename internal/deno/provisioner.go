// Package deno provisions the Deno interpreter binary the sandbox runs.
package deno

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"
)

const (
	DefaultVersion = "2.3.1"
	DefaultBaseURL = "https://github.com/denoland/deno/releases/download/"
	BinaryName     = "deno"
	folderName     = "deno-js"
)

// maxBinarySize bounds the extracted binary. Release binaries are well under it.
const maxBinarySize = 512 << 20

var (
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrBinaryNotInArchive  = errors.New("deno binary not found in release archive")
)

type Config struct {
	Version    string // without the leading "v"
	InstallDir string // "" means <os.TempDir()>/deno-js
	BaseURL    string
}

// Provisioner downloads a platform-appropriate Deno release on demand and
// reports where the binary lives.
type Provisioner struct {
	version string
	dir     string
	baseURL string
	client  *retryablehttp.Client
}

func NewProvisioner(cfg Config) *Provisioner {
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.InstallDir == "" {
		cfg.InstallDir = filepath.Join(os.TempDir(), folderName)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 10 * time.Second
	client.HTTPClient.Timeout = 5 * time.Minute
	client.Logger = leveledLogger{}

	return &Provisioner{
		version: cfg.Version,
		dir:     cfg.InstallDir,
		baseURL: cfg.BaseURL,
		client:  client,
	}
}

func (p *Provisioner) BinaryPath() string {
	return filepath.Join(p.dir, BinaryName)
}

func (p *Provisioner) Version() string {
	return p.version
}

func (p *Provisioner) Installed() bool {
	info, err := os.Stat(p.BinaryPath())
	return err == nil && !info.IsDir()
}

// DownloadURL returns the release archive URL for the given platform.
func (p *Provisioner) DownloadURL(goos, goarch string) (string, error) {
	target, err := releaseTarget(goos, goarch)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%sv%s/deno-%s.zip", p.baseURL, p.version, target), nil
}

// Install downloads and unpacks the interpreter unless it is already
// present. It reports whether the binary exists afterwards. Concurrent
// Install calls on the same directory are not coordinated.
func (p *Provisioner) Install(ctx context.Context) (bool, error) {
	if p.Installed() {
		return true, nil
	}

	url, err := p.DownloadURL(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return false, err
	}

	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return false, fmt.Errorf("creating install dir: %w", err)
	}

	logger := log.With().Str("url", url).Str("dir", p.dir).Logger()
	logger.Info().Msg("downloading deno")
	start := time.Now()

	zipPath := p.BinaryPath() + ".zip"
	if err := p.download(ctx, url, zipPath); err != nil {
		return false, err
	}
	defer os.Remove(zipPath)

	if err := extractBinary(zipPath, p.BinaryPath()); err != nil {
		return false, err
	}

	logger.Info().Dur("duration", time.Since(start)).Msg("deno installed")
	return p.Installed(), nil
}

func (p *Provisioner) download(ctx context.Context, url, dest string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building download request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: unexpected status %s", url, resp.Status)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("writing archive: %w", err)
	}
	return f.Close()
}

// extractBinary copies the interpreter entry out of the release zip and
// marks it executable. The binary is written to a temp name and renamed so
// a half-written file is never mistaken for an installation.
func extractBinary(zipPath, dest string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() || filepath.Base(f.Name) != BinaryName {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("opening %s in archive: %w", f.Name, err)
		}
		defer rc.Close()

		tmp := dest + ".partial"
		out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
		if err != nil {
			return fmt.Errorf("creating binary: %w", err)
		}
		n, err := io.Copy(out, io.LimitReader(rc, maxBinarySize+1))
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err == nil && n > maxBinarySize {
			err = fmt.Errorf("binary exceeds %d bytes", maxBinarySize)
		}
		if err != nil {
			os.Remove(tmp)
			return fmt.Errorf("extracting binary: %w", err)
		}

		if err := os.Chmod(tmp, 0755); err != nil { // #nosec G302 -- interpreter must be executable
			os.Remove(tmp)
			return fmt.Errorf("chmod binary: %w", err)
		}
		return os.Rename(tmp, dest)
	}

	return ErrBinaryNotInArchive
}

func releaseTarget(goos, goarch string) (string, error) {
	switch {
	case goos == "linux" && goarch == "amd64":
		return "x86_64-unknown-linux-gnu", nil
	case goos == "linux" && goarch == "arm64":
		return "aarch64-unknown-linux-gnu", nil
	case goos == "darwin" && goarch == "arm64":
		return "aarch64-apple-darwin", nil
	case goos == "darwin" && goarch == "amd64":
		return "x86_64-apple-darwin", nil
	default:
		return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
	}
}

// leveledLogger routes retryablehttp logging through zerolog.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...interface{}) { log.Error().Fields(kv).Msg(msg) }
func (leveledLogger) Info(msg string, kv ...interface{})  { log.Debug().Fields(kv).Msg(msg) }
func (leveledLogger) Debug(msg string, kv ...interface{}) { log.Debug().Fields(kv).Msg(msg) }
func (leveledLogger) Warn(msg string, kv ...interface{})  { log.Warn().Fields(kv).Msg(msg) }
