package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamdash/api/internal/app"
	"teamdash/api/internal/codec"
	"teamdash/api/internal/config"
	"teamdash/api/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	sections := store.NewSections(store.NewMemoryKV(), codec.DefaultSections())
	svc := app.New(config.Config{PresenceTTL: time.Minute}, sections, nil)
	srv := httptest.NewServer(app.NewHTTPServer(svc, "*").Handler())
	t.Cleanup(srv.Close)
	return srv
}

// runCLI executes dashctl with a throwaway config and cache.
func runCLI(t *testing.T, dir, server string, args ...string) (string, string, error) {
	t.Helper()
	base := []string{
		"--config", filepath.Join(dir, "missing.yaml"),
		"--server", server,
		"--cache", filepath.Join(dir, "cache", "dash.db"),
	}
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append(base, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func decodeResponse(t *testing.T, out string) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

func TestInvalidFormat(t *testing.T) {
	_, _, err := runCLI(t, t.TempDir(), "http://localhost:1", "--format", "xml", "online")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestUserRequired(t *testing.T) {
	srv := newTestServer(t)
	_, _, err := runCLI(t, t.TempDir(), srv.URL, "show", "todos")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigFileAndFlagOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: http://file.example\nuser: carol\n"), 0o600))

	opts := &RootOptions{ConfigPath: path, User: "dave"}
	require.NoError(t, opts.load())
	assert.Equal(t, "http://file.example", opts.Client.Server)
	assert.Equal(t, "dave", opts.Client.User)
}

func TestSendThenShow(t *testing.T) {
	srv := newTestServer(t)
	dir := t.TempDir()

	out, _, err := runCLI(t, dir, srv.URL, "-u", "alice", "--format", "json", "send", "labChat", "samples", "ready")
	require.NoError(t, err)
	resp := decodeResponse(t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "confirmed", resp.Data.(map[string]any)["state"])

	out, _, err = runCLI(t, t.TempDir(), srv.URL, "-u", "bob", "--format", "json", "show", "labChat")
	require.NoError(t, err)
	resp = decodeResponse(t, out)
	data := resp.Data.(map[string]any)
	records := data["records"].([]any)
	require.Len(t, records, 1)
	record := records[0].(map[string]any)
	assert.Equal(t, "samples ready", record["text"])
	assert.Equal(t, "alice", record["author"])
	assert.Equal(t, float64(1), data["unread"])
}

func TestShowMarkRead(t *testing.T) {
	srv := newTestServer(t)
	_, _, err := runCLI(t, t.TempDir(), srv.URL, "-u", "alice", "send", "teamChat/alpha", "hello")
	require.NoError(t, err)

	dir := t.TempDir()
	_, _, err = runCLI(t, dir, srv.URL, "-u", "bob", "show", "teamChat/alpha", "--mark-read")
	require.NoError(t, err)

	out, _, err := runCLI(t, dir, srv.URL, "-u", "bob", "--format", "json", "show", "teamChat/alpha")
	require.NoError(t, err)
	data := decodeResponse(t, out).Data.(map[string]any)
	assert.Equal(t, float64(0), data["unread"])
}

func TestSendOfflineFails(t *testing.T) {
	srv := newTestServer(t)
	srv.Close()

	out, stderr, err := runCLI(t, t.TempDir(), srv.URL, "-u", "alice", "send", "labChat", "hi")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "failed")
	assert.Contains(t, stderr, "server unreachable")
}

func TestSendRetriesFailedMessage(t *testing.T) {
	sections := store.NewSections(store.NewMemoryKV(), codec.DefaultSections())
	handler := app.NewHTTPServer(app.New(config.Config{PresenceTTL: time.Minute}, sections, nil), "*").Handler()
	var puts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && puts.Add(1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	out, stderr, err := runCLI(t, t.TempDir(), srv.URL, "-u", "alice", "send", "labChat", "hi", "--retries", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "confirmed")
	assert.Contains(t, stderr, "retrying message")
	assert.Equal(t, int32(2), puts.Load())
}

func TestSendRequiresText(t *testing.T) {
	_, _, err := runCLI(t, t.TempDir(), "http://localhost:1", "-u", "alice", "send", "labChat")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestPutReplacesSection(t *testing.T) {
	srv := newTestServer(t)
	dir := t.TempDir()

	_, _, err := runCLI(t, dir, srv.URL, "-u", "alice", "put", "boards", `[{"id":1,"title":"Q3"}]`)
	require.NoError(t, err)

	out, _, err := runCLI(t, t.TempDir(), srv.URL, "-u", "bob", "show", "boards")
	require.NoError(t, err)
	assert.Contains(t, out, "Q3")
	assert.Contains(t, out, "1 records")

	_, _, err = runCLI(t, dir, srv.URL, "-u", "alice", "put", "boards", `{not json`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestPutFromFile(t *testing.T) {
	srv := newTestServer(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "memos.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"alice":[{"id":5,"text":"memo"}]}`), 0o600))

	_, _, err := runCLI(t, dir, srv.URL, "-u", "alice", "put", "teamMemos", "@"+file)
	require.NoError(t, err)

	out, _, err := runCLI(t, t.TempDir(), srv.URL, "-u", "alice", "show", "teamMemos/alice")
	require.NoError(t, err)
	assert.Contains(t, out, "memo")
}

func TestShowUnknownSection(t *testing.T) {
	srv := newTestServer(t)
	_, _, err := runCLI(t, t.TempDir(), srv.URL, "-u", "alice", "show", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestLogsAndOnline(t *testing.T) {
	srv := newTestServer(t)
	_, _, err := runCLI(t, t.TempDir(), srv.URL, "-u", "alice", "send", "labChat", "hi")
	require.NoError(t, err)

	out, _, err := runCLI(t, t.TempDir(), srv.URL, "--format", "json", "logs", "modification", "--since-days", "1")
	require.NoError(t, err)
	entries := decodeResponse(t, out).Data.([]any)
	require.NotEmpty(t, entries)
	assert.Equal(t, "labChat", entries[0].(map[string]any)["section"])

	_, _, err = runCLI(t, t.TempDir(), srv.URL, "logs", "audit")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, _, err = runCLI(t, t.TempDir(), srv.URL, "online")
	require.NoError(t, err)
	assert.Contains(t, out, "nobody online")
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad")))
	wrapped := WrapExitError(ExitFailure, "save failed", assert.AnError)
	assert.ErrorIs(t, wrapped, assert.AnError)
}

func TestWatchUntilCanceled(t *testing.T) {
	srv := newTestServer(t)
	dir := t.TempDir()
	_, _, err := runCLI(t, t.TempDir(), srv.URL, "-u", "alice", "send", "teamChat/alpha", "ping")
	require.NoError(t, err)

	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{
		"--config", filepath.Join(dir, "missing.yaml"),
		"--server", srv.URL,
		"--cache", filepath.Join(dir, "dash.db"),
		"-u", "bob",
		"watch", "--active", "teamChat/alpha",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, cmd.ExecuteContext(ctx))

	assert.Contains(t, stderr.String(), "watching "+srv.URL+" as bob")
	assert.Contains(t, stderr.String(), "stopped at version")

	out, _, err := runCLI(t, t.TempDir(), srv.URL, "--format", "json", "logs", "access")
	require.NoError(t, err)
	entries := decodeResponse(t, out).Data.([]any)
	require.NotEmpty(t, entries)
	assert.Equal(t, "bob", entries[0].(map[string]any)["user"])
}
