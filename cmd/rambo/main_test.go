package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
)

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRun_Version(t *testing.T) {
	var stdout bytes.Buffer
	if err := run(context.Background(), nil, &stdout, &bytes.Buffer{}, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "Rambo ") {
		t.Errorf("version output = %q, want Rambo prefix", stdout.String())
	}

	stdout.Reset()
	if err := run(context.Background(), nil, &stdout, &bytes.Buffer{}, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run -o json version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("version json: %v", err)
	}
	if info["version"] == "" {
		t.Errorf("version json = %v, want version key", info)
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"launch"}, "unknown command: launch"},
		{[]string{"-verbose"}, "unknown flag: -verbose"},
		{[]string{"-o", "yaml", "version"}, "unknown output format"},
		{[]string{"-config", "/nonexistent/config.yaml", "serve"}, "config file not found"},
	}
	for _, tt := range tests {
		err := run(context.Background(), nil, &bytes.Buffer{}, &bytes.Buffer{}, tt.args)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.want)
		}
	}
}

func TestRun_Usage(t *testing.T) {
	var stdout bytes.Buffer
	if err := run(context.Background(), nil, &stdout, &bytes.Buffer{}, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, cmd := range []string{"serve", "chat", "tools", "turns", "init", "version"} {
		if !strings.Contains(stdout.String(), "  "+cmd) {
			t.Errorf("usage missing %q", cmd)
		}
	}
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	for _, rel := range []string{"config.yaml", filepath.Join("bots", "rambo", "bot.toml")} {
		info, err := os.Stat(filepath.Join(dir, rel))
		if err != nil {
			t.Fatalf("%s not created: %v", rel, err)
		}
		if got := info.Mode().Perm(); got != 0o600 {
			t.Errorf("%s permissions = %o, want 0600", rel, got)
		}
	}
	if info, err := os.Stat(filepath.Join(dir, "data")); err != nil || !info.IsDir() {
		t.Errorf("data directory not created: %v", err)
	}
	if !strings.Contains(buf.String(), "✓") {
		t.Errorf("output = %q, want written markers", buf.String())
	}
}

func TestRunInit_PreservesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := runInit(&bytes.Buffer{}, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "log_level: debug\n" {
		t.Errorf("config.yaml = %q, want it untouched", got)
	}
}

// fakeOllama answers /api/generate with scripted responses, repeating
// the last one, and counts calls.
type fakeOllama struct {
	mu      sync.Mutex
	replies []string
	calls   int
	prompts []string
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	reply := f.replies[min(f.calls, len(f.replies)-1)]
	f.calls++
	f.prompts = append(f.prompts, req.Prompt)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"response": reply, "done": true})
}

func writeChatConfig(t *testing.T, url string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := `
log_level: warn
data_dir: ` + filepath.Join(dir, "data") + `
bots:
  inline:
    - name: Rambo
      generator:
        provider: ollama
        model: test-model
        url: ` + url + `
      tools:
        enabled: [test, inspector]
`
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunChat_ToolRoundTrip(t *testing.T) {
	t.Setenv("USER", "alice")
	ollama := &fakeOllama{replies: []string{
		"INVOKE test.add(a=2, b=3)",
		"The answer is 5.",
	}}
	srv := httptest.NewServer(ollama)
	defer srv.Close()

	cfgPath := writeChatConfig(t, srv.URL)
	stdin := strings.NewReader("what is 2 plus 3?\nTUNABLES\n/quit\nnever read\n")
	var stdout bytes.Buffer

	if err := run(context.Background(), stdin, &stdout, &bytes.Buffer{}, []string{"-config", cfgPath, "chat"}); err != nil {
		t.Fatalf("run chat: %v", err)
	}

	out := stdout.String()
	for _, want := range []string{"🧰 test.add", "Rambo: The answer is 5.", "temperature"} {
		if !strings.Contains(out, want) {
			t.Errorf("transcript missing %q:\n%s", want, out)
		}
	}

	ollama.mu.Lock()
	defer ollama.mu.Unlock()
	if ollama.calls != 2 {
		t.Fatalf("generate calls = %d, want 2", ollama.calls)
	}
	if !strings.Contains(ollama.prompts[0], "test.add") {
		t.Errorf("first prompt does not include the tool catalogue")
	}
	if !strings.Contains(ollama.prompts[1], "2 + 3 = 5") {
		t.Errorf("second prompt does not carry the tool result:\n%s", ollama.prompts[1])
	}
}

func TestRunChat_Cutoff(t *testing.T) {
	ollama := &fakeOllama{replies: []string{"should not be asked"}}
	srv := httptest.NewServer(ollama)
	defer srv.Close()

	cfgPath := writeChatConfig(t, srv.URL)
	stdin := strings.NewReader("Daisy, a Bicycle Built For Two!\nhello\n")
	var stdout bytes.Buffer

	if err := run(context.Background(), stdin, &stdout, &bytes.Buffer{}, []string{"-config", cfgPath, "chat"}); err != nil {
		t.Fatalf("run chat: %v", err)
	}
	if !strings.Contains(stdout.String(), "Emergency cutoff activated. Rambo is now halted.") {
		t.Errorf("transcript = %q, want cutoff message", stdout.String())
	}
	ollama.mu.Lock()
	defer ollama.mu.Unlock()
	if ollama.calls != 0 {
		t.Errorf("generate calls = %d, want 0", ollama.calls)
	}
}

func TestRunTools_JSON(t *testing.T) {
	cfgPath := writeChatConfig(t, "http://127.0.0.1:1")
	var stdout bytes.Buffer

	if err := run(context.Background(), nil, &stdout, &bytes.Buffer{}, []string{"-config", cfgPath, "-o", "json", "tools"}); err != nil {
		t.Fatalf("run tools: %v", err)
	}
	var entries []toolEntry
	if err := json.Unmarshal(stdout.Bytes(), &entries); err != nil {
		t.Fatalf("decode tools json: %v\n%s", err, stdout.String())
	}

	found := map[string]bool{}
	for _, e := range entries {
		found[e.Tool+"."+e.Method] = true
	}
	for _, want := range []string{"test.add", "test.echo", "inspector.inspect"} {
		if !found[want] {
			t.Errorf("tools json missing %s", want)
		}
	}
}

func TestRunTools_UnknownBot(t *testing.T) {
	cfgPath := writeChatConfig(t, "http://127.0.0.1:1")
	err := run(context.Background(), nil, &bytes.Buffer{}, &bytes.Buffer{}, []string{"-config", cfgPath, "-bot", "ghost", "tools"})
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Errorf("run tools -bot ghost = %v, want error naming ghost", err)
	}
}
