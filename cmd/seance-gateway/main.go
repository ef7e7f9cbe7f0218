// ABOUTME: Entry point for the seance-gateway server
// ABOUTME: Exposes slow conversational modules over a streaming HTTP API

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/seance-gateway/internal/config"
	"github.com/2389/seance-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 ___  ___  __ _ _ __   ___ ___        __ _  __ _| |_ _____      ____ _ _   _
/ __|/ _ \/ _' | '_ \ / __/ _ \_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
\__ \  __/ (_| | | | | (_|  __/_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|___/\___|\__,_|_| |_|\___\___|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                     |___/                             |___/
`

// configPath resolves the gateway config file location: the SEANCE_CONFIG
// environment variable wins, then $XDG_CONFIG_HOME/seance/gateway.yaml, then
// ~/.config/seance/gateway.yaml.
func configPath() string {
	if p := os.Getenv("SEANCE_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "seance", "gateway.yaml")
}

// dataPath resolves the seance data directory, preferring XDG_DATA_HOME over
// ~/.local/share.
func dataPath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "seance")
}

// xdgDir returns the named XDG base directory, falling back to the given
// home-relative default, or the current directory when home is unknown.
func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, fallback)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: seance-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the gateway server")
		fmt.Println("  init      Create a new config file interactively")
		fmt.Println("  health    Check gateway health")
		fmt.Println("  modules   List configured modules and their states")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "modules":
		err = runModules(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cfgPath := configPath()

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	startupLine := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}
	startupLine("Config", cfgPath)
	startupLine("HTTP", cfg.Server.HTTPAddr)
	startupLine("Modules", fmt.Sprintf("%d", len(cfg.Modules)))
	if cfg.Tailscale.Enabled {
		host := cfg.Tailscale.Hostname
		if cfg.Tailscale.Ephemeral {
			host += " (ephemeral)"
		}
		startupLine("Tailscale", host)
	}
	fmt.Println()

	logger.Info("starting seance-gateway",
		"config", cfgPath,
		"http_addr", cfg.Server.HTTPAddr,
		"modules", len(cfg.Modules),
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler is a slog.Handler rendering compact colorized text lines.
// Writes are serialized through a mutex so concurrent loggers never
// interleave output.
type colorHandler struct {
	mu    sync.Mutex
	level slog.Level
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// levelTag maps a level to its three-letter colored tag.
func levelTag(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return color.MagentaString("DBG")
	case slog.LevelInfo:
		return color.CyanString("INF")
	case slog.LevelWarn:
		return color.YellowString("WRN")
	case slog.LevelError:
		return color.New(color.FgRed, color.Bold).Sprint("ERR")
	default:
		return "???"
	}
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05")))
	buf.WriteByte(' ')
	buf.WriteString(levelTag(r.Level))
	buf.WriteByte(' ')
	buf.WriteString(r.Message)

	writeAttr := func(a slog.Attr) {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})

	buf.WriteByte('\n')
	_, err := fmt.Fprint(os.Stdout, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &colorHandler{level: h.level, attrs: merged}
}

// WithGroup is accepted but not rendered; this handler keys every attr at
// the top level.
func (h *colorHandler) WithGroup(name string) slog.Handler {
	return h
}

// gatewayGet issues a GET against the configured gateway address and decodes
// the JSON response into out (skipped when out is nil).
func gatewayGet(ctx context.Context, path string, out any) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	if err := gatewayGet(ctx, "/health", nil); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Println("healthy")
	return nil
}

func runModules(ctx context.Context) error {
	var statuses []struct {
		Module string `json:"module"`
		State  string `json:"state"`
		Error  string `json:"error"`
	}
	if err := gatewayGet(ctx, "/api/status", &statuses); err != nil {
		return err
	}

	if len(statuses) == 0 {
		fmt.Println("no modules configured")
		return nil
	}

	for _, s := range statuses {
		fmt.Printf("%-24s %s", s.Module, colorizeState(s.State))
		if s.Error != "" {
			fmt.Printf("  %s", color.HiBlackString(s.Error))
		}
		fmt.Println()
	}
	return nil
}

// colorizeState renders a module state with the severity color used across
// the CLI: green for ready, yellow for transitional, red for failed.
func colorizeState(state string) string {
	switch state {
	case "idle":
		return color.GreenString(state)
	case "busy", "initializing", "closing":
		return color.YellowString(state)
	case "failed":
		return color.RedString(state)
	default:
		return color.HiBlackString(state)
	}
}

// initAnswers holds everything runInit asks the operator before rendering
// the config file.
type initAnswers struct {
	httpAddr    string
	dbPath      string
	moduleName  string
	backendType string
	model       string
	apiKeyEnv   string
	tsEnabled   bool
	tsHostname  string
	tsAuthKey   string
	tsEphemeral bool
	logLevel    string
	logFormat   string
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Print("seance-gateway configuration setup\n==================================\n\n")

	outputFile := prompt(reader, "Config file path", configPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !answeredYes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Print("\n--- Server Configuration ---\n")
	a.httpAddr = prompt(reader, "HTTP address", "localhost:8080")

	fmt.Print("\n--- Database Configuration ---\n")
	a.dbPath = prompt(reader, "SQLite database path", filepath.Join(dataPath(), "gateway.db"))

	fmt.Print("\n--- Module Configuration ---\n")
	a.moduleName = prompt(reader, "Module name", "assistant")
	a.backendType = prompt(reader, "Backend (openai/anthropic)", "openai")
	a.model = prompt(reader, "Model (leave empty for backend default)", "")
	a.apiKeyEnv = prompt(reader, "API key environment variable", "OPENAI_API_KEY")

	fmt.Print("\n--- Tailscale Configuration ---\n")
	if a.tsEnabled = answeredYes(prompt(reader, "Enable Tailscale?", "no")); a.tsEnabled {
		a.tsHostname = prompt(reader, "Tailscale hostname", "seance-gateway")
		a.tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for TS_AUTHKEY)", "")
		a.tsEphemeral = answeredYes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Print("\n--- Logging Configuration ---\n")
	a.logLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.logFormat = prompt(reader, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderInitConfig(a)), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(a.dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Print("\nTo start the server:\n  seance-gateway serve\n")

	return nil
}

// renderInitConfig turns the collected answers into gateway.yaml contents.
func renderInitConfig(a initAnswers) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format+"\n", args...)
	}

	line("# seance-gateway configuration")
	line("# Generated by seance-gateway init")
	line("")
	line("server:")
	line("  http_addr: %q", a.httpAddr)
	line("  shutdown_timeout: \"10s\"")
	line("")
	line("database:")
	line("  path: %q", a.dbPath)
	line("")
	line("tailscale:")
	line("  enabled: %t", a.tsEnabled)
	if a.tsEnabled {
		line("  hostname: %q", a.tsHostname)
		if a.tsAuthKey != "" {
			line("  auth_key: %q", a.tsAuthKey)
		}
		line("  ephemeral: %t", a.tsEphemeral)
	}
	line("")
	line("modules:")
	line("  - name: %q", a.moduleName)
	line("    backend: %q", a.backendType)
	if a.model != "" {
		line("    model: %q", a.model)
	}
	line("    api_key: \"${%s}\"", a.apiKeyEnv)
	line("")
	line("logging:")
	line("  level: %q", a.logLevel)
	line("  format: %q", a.logFormat)

	return b.String()
}

// prompt reads one line of input, returning fallback on empty input or EOF.
func prompt(r *bufio.Reader, question, fallback string) string {
	if fallback != "" {
		fmt.Printf("%s [%s]: ", question, fallback)
	} else {
		fmt.Printf("%s: ", question)
	}

	line, err := r.ReadString('\n')
	if err != nil {
		return fallback
	}
	if line = strings.TrimSpace(line); line == "" {
		return fallback
	}
	return line
}

// answeredYes interprets a prompt answer as an affirmative.
func answeredYes(answer string) bool {
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true
	}
	return false
}
