// ABOUTME: Tests for the coven-chat command tree and console log handler
// ABOUTME: Runs seed and token against a temporary database

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/gateway"
	"github.com/2389/coven-chat/internal/participant"
)

func writeConfig(t *testing.T, secret string) string {
	t.Helper()
	dir := t.TempDir()
	yaml := "server:\n  http_addr: 127.0.0.1:0\n" +
		"database:\n  path: " + filepath.Join(dir, "chat.db") + "\n" +
		"auth:\n  jwt_secret: \"" + secret + "\"\n"
	path := filepath.Join(dir, "chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	return cmd.ExecuteContext(t.Context())
}

func TestAppendSeedEntries(t *testing.T) {
	entries := appendSeedEntries(nil, participant.KindUser, []string{"Ursula=ursula@example.com", " Umberto "})
	entries = appendSeedEntries(entries, participant.KindAssistant, []string{"Helper=General help"})

	assert.Equal(t, []seedEntry{
		{kind: participant.KindUser, name: "Ursula", detail: "ursula@example.com"},
		{kind: participant.KindUser, name: "Umberto"},
		{kind: participant.KindAssistant, name: "Helper", detail: "General help"},
	}, entries)
}

func TestSeedAndToken(t *testing.T) {
	path := writeConfig(t, "cli-test-secret-that-is-32-bytes")

	require.NoError(t, execute(t, "--config", path, "seed", "--user", "Ursula", "--assistant", "Helper=bot", "--tokens=false"))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	st, err := gateway.OpenStore(cfg)
	require.NoError(t, err)
	profile, err := st.GetProfile(context.Background(), participant.New(participant.KindAssistant, 1))
	require.NoError(t, err)
	assert.Equal(t, "Helper", profile.Name)
	require.NoError(t, st.Close())

	require.NoError(t, execute(t, "--config", path, "token", "--participant", "user:1"))

	err = execute(t, "--config", path, "token", "--participant", "user:99")
	assert.True(t, errors.Is(err, participant.ErrNotFound), "got %v", err)

	err = execute(t, "--config", path, "token", "--participant", "system:0", "--check=false")
	assert.ErrorIs(t, err, participant.ErrInvalidRef)
}

func TestSeed_RequiresEntries(t *testing.T) {
	path := writeConfig(t, "")
	assert.ErrorContains(t, execute(t, "--config", path, "seed"), "nothing to seed")
}

func TestToken_RequiresSecret(t *testing.T) {
	path := writeConfig(t, "")
	assert.ErrorContains(t, execute(t, "--config", path, "token", "-p", "user:1"), "jwt_secret")
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("component", "api").WithGroup("req").Info("handled", "status", 201)
	logger.Error("boom", slog.Group("job", "id", "reply:abc"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "INF handled")
	assert.Contains(t, lines[0], "component=api")
	assert.Contains(t, lines[0], "req.status=201")
	assert.Contains(t, lines[1], "ERR boom")
	assert.Contains(t, lines[1], "job.id=reply:abc")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}
