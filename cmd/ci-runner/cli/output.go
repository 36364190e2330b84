package cli

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/davarch/ci-runner/internal/domain"
	"github.com/fatih/color"
)

var prefixColors = []color.Attribute{color.FgCyan, color.FgMagenta, color.FgYellow, color.FgBlue, color.FgGreen}

// liveOutput interleaves the output of concurrent jobs on w line by line,
// each line prefixed with its job name.
type liveOutput struct {
	mu     sync.Mutex
	w      io.Writer
	colors map[string]*color.Color
}

func newLiveOutput(w io.Writer) *liveOutput {
	return &liveOutput{w: w, colors: make(map[string]*color.Color)}
}

func (o *liveOutput) For(job string) io.Writer {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.colors[job]; !ok {
		o.colors[job] = color.New(prefixColors[len(o.colors)%len(prefixColors)])
	}
	return &lineWriter{out: o, job: job}
}

func (o *liveOutput) line(job string, b []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, _ = o.colors[job].Fprintf(o.w, "%-12s| ", job)
	_, _ = o.w.Write(b)
}

type lineWriter struct {
	out *liveOutput
	job string
	buf bytes.Buffer
}

func (l *lineWriter) Write(p []byte) (int, error) {
	l.buf.Write(p)
	for {
		i := bytes.IndexByte(l.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		l.out.line(l.job, l.buf.Next(i+1))
	}
	return len(p), nil
}

// Flush prints a trailing line that never got its newline.
func (l *lineWriter) Flush() error {
	if l.buf.Len() == 0 {
		return nil
	}
	l.buf.WriteByte('\n')
	l.out.line(l.job, l.buf.Next(l.buf.Len()))
	return nil
}

func printSummary(w io.Writer, r domain.RunReport) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgHiRed).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()

	_, _ = fmt.Fprintf(w, "\nrun %s (%s) %s on %s\n", r.Name, r.RunID, r.Event.Kind, r.Event.Ref)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "JOB\tSTATUS\tDURATION\tDETAIL")
	for _, j := range r.Jobs {
		status := string(j.Status)
		switch j.Status {
		case domain.JobSucceeded:
			status = green(status)
		case domain.JobFailed:
			status = red(status)
		case domain.JobSkipped:
			status = faint(status)
		}
		dur := "-"
		if !j.StartedAt.IsZero() && !j.FinishedAt.IsZero() {
			dur = j.FinishedAt.Sub(j.StartedAt).Round(10 * time.Millisecond).String()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.Job, status, dur, j.Error)
	}
	_ = tw.Flush()

	overall := string(r.Status)
	if r.Status == domain.RunSucceeded {
		overall = green(overall)
	} else {
		overall = red(overall)
	}
	_, _ = fmt.Fprintf(w, "%s: %s in %s\n", overall, r.Summary(), r.FinishedAt.Sub(r.StartedAt).Round(10*time.Millisecond))
}
