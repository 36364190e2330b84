// Package notify_libnotify raises desktop notifications through notify-send.
package notify_libnotify

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const appName = "ci-runner"

type Options struct {
	Urgency string
	Expire  time.Duration
}

type Notifier struct {
	soft bool
	opts Options
	bin  string
}

func New(opts Options) *Notifier { return &Notifier{opts: opts, bin: "notify-send"} }

// NewSoft returns a notifier that ignores notify-send failures, for hosts
// without a notification daemon.
func NewSoft(opts Options) *Notifier { return &Notifier{soft: true, opts: opts, bin: "notify-send"} }

func (n *Notifier) Notify(ctx context.Context, title, body, url string) error {
	if strings.TrimSpace(url) != "" {
		if body == "" {
			body = url
		} else {
			body = body + "\n" + url
		}
	}

	args := []string{"--app-name=" + appName}
	if u := n.urgency(title); u != "" {
		args = append(args, "--urgency="+u)
	}
	if n.opts.Expire > 0 {
		ms := strconv.Itoa(int(n.opts.Expire / time.Millisecond))
		args = append(args, "--expire-time="+ms)
	}
	args = append(args, title, body)

	cmd := exec.CommandContext(ctx, n.bin, args...)
	if err := cmd.Run(); err != nil {
		if n.soft {
			return nil
		}
		return err
	}
	return nil
}

// urgency escalates failures to critical unless a fixed urgency is set.
func (n *Notifier) urgency(title string) string {
	if n.opts.Urgency != "" {
		return n.opts.Urgency
	}
	if strings.Contains(title, "failed") {
		return "critical"
	}
	return ""
}
