package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/copyleftdev/scryrun/internal/dom"
	"github.com/copyleftdev/scryrun/internal/driver"
)

// doctorCommand starts the configured backend, loads the base URL and reads
// it back the way scenarios do.
func doctorCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var cf commonFlags
	fs := newFlagSet("doctor", stderr)
	cf.register(fs)
	if ok, code := parse(fs, args); !ok {
		return code
	}
	cfg, err := cf.load(fs)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	logger := newLogger(cfg, stderr)
	defer logger.Sync()

	r := lipgloss.NewRenderer(stdout)
	okStyle := r.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	failStyle := r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	failed := false
	check := func(name string, err error, detail string) bool {
		if err != nil {
			failed = true
			fmt.Fprintf(stdout, "%s %s: %v\n", failStyle.Render("FAIL"), name, err)
			return false
		}
		fmt.Fprintf(stdout, "%s %s %s\n", okStyle.Render("ok  "), name, detail)
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	d, err := newDriver(cfg.Browser, logger.Named(cfg.Browser.Backend))
	if !check("launch "+cfg.Browser.Backend, err, "") {
		return exitFailed
	}
	defer d.Close()

	s, err := d.NewSession(ctx)
	if !check("new session", err, "") {
		return exitFailed
	}
	defer s.Close()

	if !check("navigate", s.Navigate(ctx, cfg.Suite.BaseURL), cfg.Suite.BaseURL) {
		return exitFailed
	}
	title, err := s.Title(ctx)
	check("title", err, fmt.Sprintf("%q", title))
	outline, err := dom.Capture(ctx, s, 5)
	check("dom outline", err, fmt.Sprintf("%d elements", len(outline)))
	for _, line := range outline {
		fmt.Fprintln(stdout, "      "+line)
	}
	check("screenshot", screenshot(ctx, s), "")

	fmt.Fprintf(stdout, "snapshot sink: %s\n", orNone(cfg.Snapshot.Sink))
	fmt.Fprintf(stdout, "push: %v\n", cfg.Push.Enabled)
	var endpoints []string
	for name, addr := range cfg.Services.Endpoints {
		endpoints = append(endpoints, name+"="+addr)
	}
	slices.Sort(endpoints)
	fmt.Fprintf(stdout, "services: %s\n", orNone(strings.Join(endpoints, " ")))

	if failed {
		return exitFailed
	}
	return exitPassed
}

func screenshot(ctx context.Context, s driver.Session) error {
	img, err := s.Screenshot(ctx)
	if err != nil {
		return err
	}
	if len(img) == 0 {
		return fmt.Errorf("empty image")
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
