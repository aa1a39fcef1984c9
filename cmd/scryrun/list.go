package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/copyleftdev/scryrun/internal/catalog"
)

func listCommand(args []string, stdout, stderr io.Writer) int {
	var cf commonFlags
	fs := newFlagSet("list", stderr)
	cf.register(fs)
	if ok, code := parse(fs, args); !ok {
		return code
	}
	cfg, err := cf.load(fs)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	cat, err := catalog.Load(cfg.Suite.ScenarioDirs, cfg.Suite.Builtins)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	scs, err := cat.Select(cfg.Suite.Filter, cfg.Suite.Tags)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	r := lipgloss.NewRenderer(stdout)
	nameStyle := r.NewStyle().Bold(true)
	dim := r.NewStyle().Faint(true)
	width := 0
	for _, sc := range scs {
		width = max(width, len(sc.Name))
	}
	for _, sc := range scs {
		line := nameStyle.Render(sc.Name + strings.Repeat(" ", width-len(sc.Name)))
		if len(sc.Tags) > 0 {
			line += "  [" + strings.Join(sc.Tags, ",") + "]"
		}
		line += "  " + dim.Render(sc.Source)
		fmt.Fprintln(stdout, line)
	}
	fmt.Fprintf(stdout, "%d scenarios\n", len(scs))
	return exitPassed
}
