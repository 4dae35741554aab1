// Package download implements the network/archive download tool.
//
// The response body is streamed to disk in fixed-size chunks, so memory use
// is bounded regardless of file size. Recognized archives can be extracted
// into a sibling directory. Security:
//   - Destinations are resolved through the session sandbox
//   - Optional host allowlist, enforced before every request and on every redirect
//   - Optional SSRF protection: hosts resolving to private/internal IPs are blocked
//   - Archive entries escaping the extraction directory are rejected
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jkaninda/toolrun/internal/sandbox"
	"github.com/jkaninda/toolrun/internal/tools"
)

// Name is the registry name of the download tool.
const Name = "download"

// Source categories reported for a URL.
const (
	SourceRepository = "repository"
	SourceHTTP       = "http"
)

const (
	chunkSize            = 32 << 10 // 32 KiB
	defaultMaxBytes      = 1 << 30  // 1 GiB
	defaultTimeout       = 5 * time.Minute
	defaultUserAgent     = "toolrun/1.0"
	defaultFileName      = "download"
	estimatedAttemptCost = 0.001
	maxRedirects         = 5
)

// repositoryHosts are matched exactly or as a parent domain.
var repositoryHosts = []string{
	"github.com",
	"gitlab.com",
	"bitbucket.org",
	"raw.githubusercontent.com",
	"codeload.github.com",
	"huggingface.co",
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures the download tool.
type Config struct {
	Client               Doer          // nil = http.Client with redirect checks.
	AllowedDomains       []string      // Empty = every host.
	BlockPrivateNetworks bool          // Reject hosts resolving to private IPs.
	MaxBytes             int64         // Download and extraction cap. 0 = 1 GiB.
	Timeout              time.Duration // Per-attempt timeout. 0 = 5m.
	UserAgent            string
}

// Output describes a completed download.
type Output struct {
	URL         string  `json:"url"`
	Source      string  `json:"source"`
	Path        string  `json:"path"`
	Bytes       int64   `json:"bytes"`
	Size        string  `json:"size"`
	Duration    string  `json:"duration"`
	BytesPerSec float64 `json:"bytes_per_sec"`
	Throughput  string  `json:"throughput"`
	ExtractedTo string  `json:"extracted_to,omitempty"`
	Files       int     `json:"files,omitempty"`
}

// Tool downloads URLs into a session root.
type Tool struct {
	resolver *sandbox.Resolver
	exec     *sandbox.Executor
	config   Config
	client   Doer
	logger   *slog.Logger
	alts     []tools.Method
}

// New creates a download tool. exec may be nil, in which case the curl and
// wget alternatives are not offered.
func New(resolver *sandbox.Resolver, exec *sandbox.Executor, cfg Config, logger *slog.Logger) *Tool {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	t := &Tool{resolver: resolver, exec: exec, config: cfg, logger: logger}
	t.client = cfg.Client
	if t.client == nil {
		t.client = &http.Client{CheckRedirect: t.checkRedirect}
	}
	if exec != nil {
		t.alts = []tools.Method{
			{Name: "curl", Run: t.external("curl --fail --silent --show-error --location --max-redirs 5 --output")},
			{Name: "wget", Run: t.external("wget --quiet --max-redirect=5 -O")},
		}
	}
	return t
}

func (t *Tool) Spec() tools.Spec {
	return tools.Spec{
		Name:               Name,
		Description:        "Download a URL into the session directory, optionally extracting archives",
		Capabilities:       tools.Capabilities("download", "network", "http", "archive"),
		RequiresNetwork:    true,
		RequiresFileSystem: true,
		PathParams:         []string{"destination"},
	}
}

// EstimateCost returns a flat per-attempt estimate for network transfer.
func (t *Tool) EstimateCost(*tools.Invocation) float64 { return estimatedAttemptCost }

func (t *Tool) Alternatives() []tools.Method { return t.alts }

type request struct {
	url         *url.URL
	destination string
	overwrite   bool
	extract     bool
}

// Validate checks params without network or filesystem access.
//
// Required params:
//
//	"url" (string): http or https URL
//
// Optional params:
//
//	"destination" (string): session-relative file or directory; default: URL base name
//	"overwrite" (bool): replace an existing destination file
//	"extract" (bool): unpack .zip, .tar, .tar.gz or .tgz into a sibling directory
func (t *Tool) Validate(inv *tools.Invocation) error {
	_, err := t.parse(inv)
	return err
}

func (t *Tool) parse(inv *tools.Invocation) (request, error) {
	var r request
	raw, err := tools.RequireString(inv.Params, "url")
	if err != nil {
		return r, err
	}
	r.url, err = url.Parse(raw)
	if err != nil {
		return r, tools.Invalid("url", "invalid URL %q: %v", raw, err)
	}
	if r.url.Scheme != "http" && r.url.Scheme != "https" {
		return r, tools.Invalid("url", "only http/https schemes allowed, got %q", r.url.Scheme)
	}
	if r.url.Hostname() == "" {
		return r, tools.Invalid("url", "missing host in %q", raw)
	}
	if !IsDomainAllowed(r.url.Hostname(), t.config.AllowedDomains) {
		return r, tools.Invalid("url", "domain %q is not in the allowlist", r.url.Hostname())
	}
	if r.destination, err = tools.OptionalString(inv.Params, "destination", ""); err != nil {
		return r, err
	}
	if r.overwrite, err = tools.OptionalBool(inv.Params, "overwrite", false); err != nil {
		return r, err
	}
	if r.extract, err = tools.OptionalBool(inv.Params, "extract", false); err != nil {
		return r, err
	}
	// A destination without an archive suffix may name a directory, in which
	// case the URL's file name decides. prepare settles it before any write.
	if r.extract && archiveFormat(r.destination) == "" && archiveFormat(fileName(r.url)) == "" {
		return r, notArchive(fileName(r.url))
	}
	return r, nil
}

// SourceCategory classifies a host as a code/model repository or generic HTTP.
func SourceCategory(host string) string {
	host = strings.ToLower(host)
	for _, h := range repositoryHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return SourceRepository
		}
	}
	return SourceHTTP
}

// Primary streams the response body to disk in fixed-size chunks.
func (t *Tool) Primary(ctx context.Context, inv *tools.Invocation) (any, error) {
	j, err := t.prepare(inv)
	if err != nil {
		return nil, err
	}
	if t.config.BlockPrivateNetworks {
		if err := CheckSSRF(j.url.Hostname()); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", t.config.UserAgent)

	t.logger.InfoContext(ctx, "download executing",
		slog.String("chain_id", inv.ChainID),
		slog.String("url", j.url.String()),
		slog.String("source", SourceCategory(j.url.Hostname())),
		slog.String("destination", j.dest),
	)

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected HTTP status %s", resp.Status)
	}
	if resp.ContentLength > t.config.MaxBytes {
		return nil, fmt.Errorf("content length %d exceeds limit %d bytes", resp.ContentLength, t.config.MaxBytes)
	}

	if err := os.MkdirAll(filepath.Dir(j.dest), 0750); err != nil {
		return nil, fmt.Errorf("creating destination directory: %w", err)
	}
	tmp, n, err := t.stream(ctx, resp.Body, j.dest)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp) // no-op once placed
	return t.finish(inv, j, tmp, n, time.Since(start))
}

// external returns a method that downloads through an external client run
// by the executor's direct strategy. prefix ends with the output flag.
func (t *Tool) external(prefix string) tools.MethodFunc {
	return func(ctx context.Context, inv *tools.Invocation) (any, error) {
		j, err := t.prepare(inv)
		if err != nil {
			return nil, err
		}
		if t.config.BlockPrivateNetworks {
			if err := CheckSSRF(j.url.Hostname()); err != nil {
				return nil, err
			}
		}
		if err := os.MkdirAll(filepath.Dir(j.dest), 0750); err != nil {
			return nil, fmt.Errorf("creating destination directory: %w", err)
		}

		// Download next to the destination, then move into place.
		tmp := filepath.Join(filepath.Dir(j.dest), "."+filepath.Base(j.dest)+".part")
		defer os.Remove(tmp)

		start := time.Now()
		res, err := t.exec.Execute(ctx, sandbox.StrategyDirect, sandbox.Request{
			Command:   prefix,
			Args:      []string{tmp, j.url.String()},
			SessionID: inv.SessionID,
			Timeout:   t.config.Timeout,
		})
		if err != nil {
			return nil, err
		}
		if err := sandbox.CheckExit(res); err != nil {
			return nil, err
		}
		info, err := os.Stat(tmp)
		if err != nil {
			return nil, fmt.Errorf("download produced no file: %w", err)
		}
		if info.Size() > t.config.MaxBytes {
			return nil, fmt.Errorf("download size %d exceeds limit %d bytes", info.Size(), t.config.MaxBytes)
		}
		return t.finish(inv, j, tmp, info.Size(), time.Since(start))
	}
}

// job is a validated request with its resolved destination.
type job struct {
	request
	dest   string
	format string // Archive suffix when extracting.
	target string // Extraction directory when extracting.
}

// prepare validates params and resolves the destination file and extraction
// directory. It only reads the filesystem, so a rejection leaves no trace.
func (t *Tool) prepare(inv *tools.Invocation) (job, error) {
	r, err := t.parse(inv)
	if err != nil {
		return job{}, err
	}
	j := job{request: r}

	dest, err := t.resolver.Resolve(inv.SessionID, r.destination)
	if err != nil {
		return j, err
	}
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		if dest, err = t.resolver.Resolve(inv.SessionID, filepath.Join(dest, fileName(r.url))); err != nil {
			return j, err
		}
	}
	if info, err := os.Stat(dest); err == nil {
		if info.IsDir() {
			return j, tools.Invalid("destination", "%s is a directory", t.resolver.DisplayPath(inv.SessionID, dest))
		}
		if !r.overwrite {
			return j, tools.Invalid("overwrite", "%s already exists and overwrite is not set", t.resolver.DisplayPath(inv.SessionID, dest))
		}
	}
	j.dest = dest

	if r.extract {
		if j.format = archiveFormat(dest); j.format == "" {
			return j, notArchive(filepath.Base(dest))
		}
		if j.target, err = t.resolver.Resolve(inv.SessionID, extractTarget(dest, j.format)); err != nil {
			return j, err
		}
	}
	return j, nil
}

// fileName returns the last URL path segment, or a generic name.
func fileName(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return defaultFileName
	}
	return name
}

func notArchive(name string) error {
	return tools.Invalid("extract", "%s is not a recognized archive (%s)", name, strings.Join(archiveFormats, ", "))
}

// stream copies body into a temp file next to dest, chunk by chunk, and
// returns the temp file's name. The caller owns the file.
func (t *Tool) stream(ctx context.Context, body io.Reader, dest string) (string, int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w", err)
	}
	fail := func(err error) (string, int64, error) {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", 0, err
	}

	buf := make([]byte, chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("download cancelled: %w", err))
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if written+int64(n) > t.config.MaxBytes {
				return fail(fmt.Errorf("download exceeds limit %d bytes", t.config.MaxBytes))
			}
			if _, err := tmp.Write(buf[:n]); err != nil {
				return fail(fmt.Errorf("writing %s: %w", dest, err))
			}
			written += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return fail(fmt.Errorf("reading response: %w", rerr))
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("closing temp file: %w", err)
	}
	return tmp.Name(), written, nil
}

// place moves a finished download into dest, honoring overwrite.
func place(tmp, dest string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%s appeared during download and overwrite is not set", filepath.Base(dest))
		}
	}
	if err := os.Chmod(tmp, 0640); err != nil {
		return fmt.Errorf("chmod download: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("moving download into place: %w", err)
	}
	return nil
}

// finish extracts the staged download when asked, moves it into place and
// computes throughput. A failed extraction leaves the destination untouched.
func (t *Tool) finish(inv *tools.Invocation, j job, tmp string, n int64, elapsed time.Duration) (*Output, error) {
	rate := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(n) / secs
	}
	out := &Output{
		URL:         j.url.String(),
		Source:      SourceCategory(j.url.Hostname()),
		Path:        t.resolver.DisplayPath(inv.SessionID, j.dest),
		Bytes:       n,
		Size:        humanize.Bytes(uint64(n)),
		Duration:    elapsed.Round(time.Millisecond).String(),
		BytesPerSec: rate,
		Throughput:  humanize.Bytes(uint64(rate)) + "/s",
	}

	if j.extract {
		files, err := extract(tmp, j.target, j.format, t.config.MaxBytes)
		if err != nil {
			return nil, fmt.Errorf("extracting %s: %w", filepath.Base(j.dest), err)
		}
		out.ExtractedTo = t.resolver.DisplayPath(inv.SessionID, j.target)
		out.Files = files
	}
	if err := place(tmp, j.dest, j.overwrite); err != nil {
		if j.extract {
			os.RemoveAll(j.target)
		}
		return nil, err
	}

	t.logger.Info("download completed",
		slog.String("chain_id", inv.ChainID),
		slog.String("path", j.dest),
		slog.String("size", out.Size),
		slog.String("throughput", out.Throughput),
		slog.Int("files_extracted", out.Files),
	)
	return out, nil
}

// checkRedirect validates that redirect targets are also allowed.
func (t *Tool) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("too many redirects (max %d)", maxRedirects)
	}
	host := req.URL.Hostname()
	if !IsDomainAllowed(host, t.config.AllowedDomains) {
		return fmt.Errorf("%w: redirect to disallowed domain %q blocked", sandbox.ErrViolation, host)
	}
	if t.config.BlockPrivateNetworks {
		return CheckSSRF(host)
	}
	return nil
}
