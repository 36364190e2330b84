package notify_libnotify

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSend installs a notify-send stand-in that records its arguments.
func fakeSend(t *testing.T, n *Notifier) func() []string {
	t.Helper()
	dir := t.TempDir()
	out := filepath.Join(dir, "args")
	bin := filepath.Join(dir, "notify-send")
	script := "#!/bin/sh\nfor a in \"$@\"; do echo \"$a\" >> " + out + "; done\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	n.bin = bin
	return func() []string {
		b, err := os.ReadFile(out)
		require.NoError(t, err)
		return strings.Split(strings.TrimSpace(string(b)), "\n")
	}
}

func TestNotify_Args(t *testing.T) {
	n := New(Options{Expire: 5 * time.Second})
	args := fakeSend(t, n)

	require.NoError(t, n.Notify(context.Background(), "❌ CI: failed", "brave-otter on main", "http://x/runs/1"))
	assert.Equal(t, []string{
		"--app-name=ci-runner",
		"--urgency=critical",
		"--expire-time=5000",
		"❌ CI: failed",
		"brave-otter on main",
		"http://x/runs/1",
	}, args())
}

func TestNotify_SoftIgnoresFailure(t *testing.T) {
	n := NewSoft(Options{})
	n.bin = filepath.Join(t.TempDir(), "missing")
	assert.NoError(t, n.Notify(context.Background(), "t", "b", ""))

	hard := New(Options{})
	hard.bin = n.bin
	assert.Error(t, hard.Notify(context.Background(), "t", "b", ""))
}
