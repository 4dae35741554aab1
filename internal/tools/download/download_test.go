package download

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jkaninda/toolrun/internal/escalation"
	"github.com/jkaninda/toolrun/internal/sandbox"
	"github.com/jkaninda/toolrun/internal/tools"
	"github.com/jkaninda/toolrun/internal/workspace"
)

type fixture struct {
	tool   *Tool
	engine *escalation.Engine
	root   string
}

func newFixture(t *testing.T, cfg Config, withExec bool) *fixture {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := sandbox.NewResolver(ws, sandbox.ResolverConfig{})
	root, err := resolver.Root("s1")
	if err != nil {
		t.Fatal(err)
	}
	var ex *sandbox.Executor
	if withExec {
		ex = sandbox.NewExecutor(resolver, sandbox.Config{
			ScriptDir:     t.TempDir(),
			DefaultLimits: sandbox.ResourceLimits{MaxCPUSeconds: -1, MaxMemoryMB: -1},
		}, logger)
	}
	return &fixture{
		tool:   New(resolver, ex, cfg, logger),
		engine: escalation.New(resolver, escalation.Config{Logger: logger}),
		root:   root,
	}
}

func (f *fixture) run(params map[string]any) *tools.Result {
	return f.engine.Run(context.Background(), f.tool, tools.NewInvocation("s1", params))
}

func serve(t *testing.T, routes map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownload_StreamsIntoSession(t *testing.T) {
	srv := serve(t, map[string][]byte{"/files/data.txt": []byte("hello world")})
	f := newFixture(t, Config{}, false)

	res := f.run(map[string]any{"url": srv.URL + "/files/data.txt"})
	if !res.Success {
		t.Fatalf("download failed: %s", res.Error)
	}
	if res.MethodUsed != tools.MethodPrimary || res.Cost != estimatedAttemptCost {
		t.Errorf("method = %q cost = %v", res.MethodUsed, res.Cost)
	}
	out := res.Output.(*Output)
	if out.Bytes != 11 || out.Source != SourceHTTP || out.Size != "11 B" {
		t.Errorf("unexpected output: %+v", out)
	}
	if !strings.HasSuffix(out.Throughput, "/s") {
		t.Errorf("throughput = %q", out.Throughput)
	}
	data, err := os.ReadFile(filepath.Join(f.root, "data.txt"))
	if err != nil || string(data) != "hello world" {
		t.Fatalf("file = %q, %v", data, err)
	}
	entries, _ := os.ReadDir(f.root)
	if len(entries) != 1 {
		t.Errorf("partial files left behind: %v", entries)
	}
}

func TestDownload_DestinationDirectory(t *testing.T) {
	srv := serve(t, map[string][]byte{"/a.bin": []byte("x")})
	f := newFixture(t, Config{}, false)
	if err := os.MkdirAll(filepath.Join(f.root, "inbox"), 0755); err != nil {
		t.Fatal(err)
	}

	res := f.run(map[string]any{"url": srv.URL + "/a.bin", "destination": "inbox"})
	if !res.Success {
		t.Fatalf("download failed: %s", res.Error)
	}
	if _, err := os.Stat(filepath.Join(f.root, "inbox", "a.bin")); err != nil {
		t.Errorf("expected file inside destination directory: %v", err)
	}

	// A URL without a path segment falls back to a generic name.
	srv2 := serve(t, map[string][]byte{"/": []byte("index")})
	res = f.run(map[string]any{"url": srv2.URL})
	if !res.Success {
		t.Fatalf("download failed: %s", res.Error)
	}
	if _, err := os.Stat(filepath.Join(f.root, defaultFileName)); err != nil {
		t.Errorf("expected default file name: %v", err)
	}
}

func TestDownload_RefusesOverwrite(t *testing.T) {
	srv := serve(t, map[string][]byte{"/a.txt": []byte("new")})
	f := newFixture(t, Config{}, false)
	existing := filepath.Join(f.root, "a.txt")
	if err := os.WriteFile(existing, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	res := f.run(map[string]any{"url": srv.URL + "/a.txt"})
	if res.Success || res.Kind != tools.KindValidation || res.TotalAttempts != 0 {
		t.Fatalf("expected fail-fast refusal, got %+v", res)
	}
	if data, _ := os.ReadFile(existing); string(data) != "old" {
		t.Errorf("existing file modified: %q", data)
	}

	res = f.run(map[string]any{"url": srv.URL + "/a.txt", "overwrite": true})
	if !res.Success {
		t.Fatalf("overwrite failed: %s", res.Error)
	}
	if data, _ := os.ReadFile(existing); string(data) != "new" {
		t.Errorf("content = %q", data)
	}
}

func TestDownload_HTTPErrorIsRetryable(t *testing.T) {
	srv := serve(t, nil)
	f := newFixture(t, Config{}, false)

	res := f.run(map[string]any{"url": srv.URL + "/missing.txt"})
	if res.Success || res.Kind != tools.KindTransient || res.TotalAttempts != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(res.Error, "404") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestDownload_SizeLimit(t *testing.T) {
	srv := serve(t, map[string][]byte{"/big": []byte(strings.Repeat("x", 100))})
	f := newFixture(t, Config{MaxBytes: 10}, false)

	res := f.run(map[string]any{"url": srv.URL + "/big"})
	if res.Success || !strings.Contains(res.Error, "exceeds limit") {
		t.Fatalf("unexpected result: %+v", res)
	}
	entries, _ := os.ReadDir(f.root)
	if len(entries) != 0 {
		t.Errorf("partial files left behind: %v", entries)
	}
}

func TestDownload_Extract(t *testing.T) {
	srv := serve(t, map[string][]byte{
		"/bundle.zip":    buildZip(t, []entry{{name: "a.txt", body: "alpha"}, {name: "d/b.txt", body: "beta"}}),
		"/bundle.tar.gz": buildTarGz(t, []entry{{name: "c.txt", body: "gamma"}}),
		"/notes.txt":     []byte("plain"),
	})
	f := newFixture(t, Config{}, false)

	res := f.run(map[string]any{"url": srv.URL + "/bundle.zip", "extract": true})
	if !res.Success {
		t.Fatalf("download failed: %s", res.Error)
	}
	out := res.Output.(*Output)
	if out.Files != 2 || out.ExtractedTo != filepath.Join(f.root, "bundle") {
		t.Errorf("unexpected output: %+v", out)
	}
	if data, err := os.ReadFile(filepath.Join(f.root, "bundle", "d", "b.txt")); err != nil || string(data) != "beta" {
		t.Errorf("extracted file = %q, %v", data, err)
	}

	// Re-extracting into the same directory replaces its contents.
	res = f.run(map[string]any{"url": srv.URL + "/bundle.tar.gz", "destination": "bundle.tar.gz", "extract": "true"})
	if !res.Success {
		t.Fatalf("second download failed: %s", res.Error)
	}
	if _, err := os.Stat(filepath.Join(f.root, "bundle", "a.txt")); !os.IsNotExist(err) {
		t.Error("stale extraction contents remain")
	}

}

func TestDownload_ExtractNonArchiveRejectedUpFront(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("plain"))
	}))
	t.Cleanup(srv.Close)
	f := newFixture(t, Config{}, false)

	for _, params := range []map[string]any{
		{"url": srv.URL + "/notes.txt", "extract": true},
		{"url": srv.URL + "/bundle.zip", "destination": "out.bin", "extract": true},
	} {
		res := f.run(params)
		if res.Success || res.Kind != tools.KindValidation || res.TotalAttempts != 0 {
			t.Errorf("params %v: unexpected result %+v", params, res)
		}
	}
	if f.engine.DryRun(f.tool, tools.NewInvocation("s1", map[string]any{"url": srv.URL + "/notes.txt", "extract": true})) {
		t.Error("dry run should reject extracting a non-archive")
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("server hit %d times", n)
	}
	if entries, _ := os.ReadDir(f.root); len(entries) != 0 {
		t.Errorf("rejected downloads left files: %v", entries)
	}
}

func TestDownload_CorruptArchiveRetriesAndCleansUp(t *testing.T) {
	srv := serve(t, map[string][]byte{"/bad.zip": []byte("not a zip archive")})
	f := newFixture(t, Config{}, false)

	res := f.engine.RunWithRetry(context.Background(), f.tool,
		tools.NewInvocation("s1", map[string]any{"url": srv.URL + "/bad.zip", "extract": true}), 3, 0)
	if res.Success || res.Kind != tools.KindExhausted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.TotalAttempts != 3 {
		t.Errorf("attempts = %d, want 3", res.TotalAttempts)
	}
	for _, a := range res.History {
		if !strings.Contains(a.Error, "extracting bad.zip") {
			t.Errorf("attempt %d error = %q", a.Number, a.Error)
		}
	}
	if entries, _ := os.ReadDir(f.root); len(entries) != 0 {
		t.Errorf("failed extraction left files: %v", entries)
	}
}

func TestDownload_ExtractRejectsZipSlip(t *testing.T) {
	srv := serve(t, map[string][]byte{"/evil.zip": buildZip(t, []entry{{name: "../../escape.txt", body: "pwned"}})})
	f := newFixture(t, Config{}, false)

	res := f.engine.RunWithRetry(context.Background(), f.tool,
		tools.NewInvocation("s1", map[string]any{"url": srv.URL + "/evil.zip", "extract": true}), 3, 0)
	if res.Success || res.Kind != tools.KindSandbox {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(f.root), "escape.txt")); !os.IsNotExist(err) {
		t.Error("archive entry escaped the session root")
	}
	if entries, _ := os.ReadDir(f.root); len(entries) != 0 {
		t.Errorf("rejected archive left files: %v", entries)
	}
}

func TestDownload_DestinationOutsideSession(t *testing.T) {
	srv := serve(t, map[string][]byte{"/a.txt": []byte("x")})
	f := newFixture(t, Config{}, false)
	outside := t.TempDir()

	for _, dest := range []string{"../a.txt", "/etc/a.txt", filepath.Join(outside, "a.txt")} {
		params := map[string]any{"url": srv.URL + "/a.txt", "destination": dest}
		if f.engine.DryRun(f.tool, tools.NewInvocation("s1", params)) {
			t.Errorf("destination %q: dry run should fail", dest)
		}
		res := f.run(params)
		if res.Success || res.Kind != tools.KindSandbox || res.TotalAttempts != 0 {
			t.Errorf("destination %q: unexpected result %+v", dest, res)
		}
	}
	if entries, _ := os.ReadDir(outside); len(entries) != 0 {
		t.Errorf("download escaped the session: %v", entries)
	}
}

func TestDownload_BlocksPrivateNetworks(t *testing.T) {
	srv := serve(t, map[string][]byte{"/a": []byte("x")})
	f := newFixture(t, Config{BlockPrivateNetworks: true}, false)

	res := f.engine.RunWithRetry(context.Background(), f.tool,
		tools.NewInvocation("s1", map[string]any{"url": srv.URL + "/a"}), 3, 0)
	if res.Success || res.Kind != tools.KindSandbox || res.MethodUsed != tools.MethodSandbox || res.TotalAttempts != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := os.Stat(filepath.Join(f.root, "a")); !os.IsNotExist(err) {
		t.Error("blocked download wrote a file")
	}
}

func TestDownload_RedirectToDisallowedHost(t *testing.T) {
	target := serve(t, map[string][]byte{"/a": []byte("x")})
	redirect := httptest.NewServer(http.RedirectHandler(strings.Replace(target.URL, "127.0.0.1", "localhost", 1)+"/a", http.StatusFound))
	t.Cleanup(redirect.Close)

	f := newFixture(t, Config{AllowedDomains: []string{"127.0.0.1"}}, false)
	res := f.run(map[string]any{"url": redirect.URL + "/start"})
	if res.Success || res.Kind != tools.KindSandbox {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDownload_Validation(t *testing.T) {
	f := newFixture(t, Config{AllowedDomains: []string{"example.com"}}, false)
	tests := []map[string]any{
		{},
		{"url": ""},
		{"url": 42},
		{"url": "ftp://example.com/a"},
		{"url": "file:///etc/passwd"},
		{"url": "http://"},
		{"url": "https://evil.test/a"},
		{"url": "https://example.com/a", "extract": "maybe"},
		{"url": "https://example.com/a", "destination": 3},
	}
	for _, params := range tests {
		inv := tools.NewInvocation("s1", params)
		if f.engine.DryRun(f.tool, inv) {
			t.Errorf("params %v: dry run should fail", params)
		}
		res := f.run(params)
		if res.Success || res.Kind != tools.KindValidation || res.TotalAttempts != 0 {
			t.Errorf("params %v: unexpected result %+v", params, res)
		}
	}
	if !f.engine.DryRun(f.tool, tools.NewInvocation("s1", map[string]any{"url": "https://cdn.example.com/a.zip"})) {
		t.Error("subdomain of an allowed domain should pass")
	}
}

func TestDownload_UnreachableExhaustsAlternatives(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/file.txt"
	srv.Close()

	f := newFixture(t, Config{}, true)
	if got := f.engine.AlternativeMethods(f.tool); len(got) != 2 || got[0] != "curl" || got[1] != "wget" {
		t.Fatalf("alternatives = %v", got)
	}

	res := f.engine.Run(context.Background(), f.tool, tools.NewInvocation("s1", map[string]any{"url": url}))
	if res.Success || res.SuggestedAlternative != "curl" || !res.HasMoreAlternatives {
		t.Fatalf("unexpected single-run result: %+v", res)
	}

	res = f.engine.RunWithRetry(context.Background(), f.tool, tools.NewInvocation("s1", map[string]any{"url": url}), 2, 0)
	if res.Success || res.Kind != tools.KindExhausted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.TotalAttempts != 4 || res.HasMoreAlternatives {
		t.Errorf("attempts = %d more = %v", res.TotalAttempts, res.HasMoreAlternatives)
	}
	if res.SuggestedAlternative != "curl" {
		t.Errorf("suggested = %q", res.SuggestedAlternative)
	}
	if !strings.Contains(res.Error, "primary") || !strings.Contains(res.Error, "wget") {
		t.Errorf("error should list every failed method: %q", res.Error)
	}
}

func TestDownload_CurlAlternative(t *testing.T) {
	if _, err := exec.LookPath("curl"); err != nil {
		t.Skip("curl not installed")
	}
	srv := serve(t, map[string][]byte{"/via-curl.txt": []byte("from curl")})
	f := newFixture(t, Config{}, true)

	res := f.engine.TryAlternative(context.Background(), f.tool,
		tools.NewInvocation("s1", map[string]any{"url": srv.URL + "/via-curl.txt"}), "primary disabled")
	if !res.Success || res.MethodUsed != "curl" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if data, err := os.ReadFile(filepath.Join(f.root, "via-curl.txt")); err != nil || string(data) != "from curl" {
		t.Errorf("file = %q, %v", data, err)
	}
	if out := res.Output.(*Output); out.Bytes != 9 {
		t.Errorf("bytes = %d", out.Bytes)
	}
}

type failingDoer struct{ calls int }

func (d *failingDoer) Do(*http.Request) (*http.Response, error) {
	d.calls++
	return nil, errors.New("connection reset by peer")
}

func TestDownload_CustomClient(t *testing.T) {
	doer := &failingDoer{}
	f := newFixture(t, Config{Client: doer}, false)

	res := f.engine.RunWithRetry(context.Background(), f.tool,
		tools.NewInvocation("s1", map[string]any{"url": "https://example.com/a"}), 3, 0)
	if res.Success || res.Kind != tools.KindExhausted || doer.calls != 3 {
		t.Fatalf("calls = %d result = %+v", doer.calls, res)
	}
}

func TestSourceCategory(t *testing.T) {
	tests := map[string]string{
		"github.com":                SourceRepository,
		"raw.githubusercontent.com": SourceRepository,
		"GitLab.com":                SourceRepository,
		"cdn.huggingface.co":        SourceRepository,
		"example.com":               SourceHTTP,
		"notgithub.com":             SourceHTTP,
	}
	for host, want := range tests {
		if got := SourceCategory(host); got != want {
			t.Errorf("SourceCategory(%q) = %q, want %q", host, got, want)
		}
	}
}

func TestIsDomainAllowed(t *testing.T) {
	tests := []struct {
		host    string
		allowed []string
		want    bool
	}{
		{"anything.test", nil, true},
		{"example.com", []string{"example.com"}, true},
		{"api.Example.com", []string{"example.com"}, true},
		{"badexample.com", []string{"example.com"}, false},
		{"example.org", []string{"example.com"}, false},
	}
	for _, tt := range tests {
		if got := IsDomainAllowed(tt.host, tt.allowed); got != tt.want {
			t.Errorf("IsDomainAllowed(%q, %v) = %v, want %v", tt.host, tt.allowed, got, tt.want)
		}
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1":       true,
		"10.1.2.3":        true,
		"172.20.0.1":      true,
		"192.168.1.1":     true,
		"169.254.169.254": true,
		"100.64.0.1":      true,
		"0.0.0.0":         true,
		"::1":             true,
		"fd00::1":         true,
		"8.8.8.8":         false,
		"2606:4700::1":    false,
	}
	for ip, want := range tests {
		if got := IsPrivateIP(net.ParseIP(ip)); got != want {
			t.Errorf("IsPrivateIP(%s) = %v, want %v", ip, got, want)
		}
	}
}

func TestCheckSSRF(t *testing.T) {
	orig := lookupHost
	t.Cleanup(func() { lookupHost = orig })

	lookupHost = func(string) ([]string, error) { return []string{"93.184.216.34", "10.0.0.5"}, nil }
	if err := CheckSSRF("mixed.test"); !errors.Is(err, sandbox.ErrViolation) {
		t.Errorf("err = %v, want sandbox violation", err)
	}

	lookupHost = func(string) ([]string, error) { return []string{"93.184.216.34"}, nil }
	if err := CheckSSRF("public.test"); err != nil {
		t.Errorf("public host blocked: %v", err)
	}

	lookupHost = func(string) ([]string, error) { return nil, errors.New("no such host") }
	if err := CheckSSRF("missing.test"); err == nil || errors.Is(err, sandbox.ErrViolation) {
		t.Errorf("lookup failure should be a plain error, got %v", err)
	}
}
