package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/davarch/ci-runner/internal/application"
	"github.com/davarch/ci-runner/internal/domain"
	"github.com/davarch/ci-runner/internal/infrastructure/config"
	"github.com/davarch/ci-runner/internal/infrastructure/pipelinefile"
	"github.com/spf13/cobra"
)

var (
	listEvent eventFlags
	listJSON  bool
)

type listItem struct {
	Name      string   `json:"name"`
	Events    []string `json:"events"`
	Branches  []string `json:"branches,omitempty"`
	Needs     []string `json:"needs,omitempty"`
	Toolchain string   `json:"toolchain,omitempty"`
	Steps     int      `json:"steps"`
	Triggered bool     `json:"triggered"`
}

var listCmd = &cobra.Command{
	Use:   "list [pipeline-file]",
	Short: "List pipeline jobs and whether an event triggers them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		path, err := pipelinePath(cfg, args)
		if err != nil {
			return err
		}
		p, err := pipelinefile.Load(path)
		if err != nil {
			return err
		}
		if err := application.ValidatePipeline(p); err != nil {
			return err
		}

		ev := listEvent.event()
		items := make([]listItem, 0, len(p.Jobs))
		for _, j := range p.Jobs {
			it := listItem{
				Name:      j.Name,
				Branches:  j.Triggers.Branches,
				Needs:     j.Needs,
				Steps:     len(j.Steps),
				Triggered: application.Triggered(j.Triggers, ev),
			}
			for _, e := range j.Triggers.Events {
				it.Events = append(it.Events, string(e))
			}
			if j.Toolchain.Name != "" {
				it.Toolchain = j.Toolchain.Name + "@" + orDefault(j.Toolchain.Version, "stable")
			}
			items = append(items, it)
		}

		if listJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "JOB\tEVENTS\tBRANCHES\tNEEDS\tTOOLCHAIN\tSTEPS\t%s\n", strings.ToUpper(string(ev.Kind))+" "+ev.Branch())
		for _, it := range items {
			trig := "skip"
			if it.Triggered {
				trig = "run"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				it.Name,
				orDefault(strings.Join(it.Events, ","), "-"),
				orDefault(strings.Join(it.Branches, ","), "*"),
				orDefault(strings.Join(it.Needs, ","), "-"),
				orDefault(it.Toolchain, "host"),
				it.Steps,
				trig,
			)
		}
		_ = w.Flush()
		return nil
	},
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func init() {
	listEvent.register(listCmd)
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON")

	listCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if k := domain.EventKind(listEvent.kind); !k.Valid() {
			return fmt.Errorf("unknown event %q", listEvent.kind)
		}
		return nil
	}

	rootCmd.AddCommand(listCmd)
}
