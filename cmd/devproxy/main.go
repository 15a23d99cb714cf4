// Command devproxy runs the intercepting HTTPS proxy: a watch-set gated
// MITM pipeline in front of an ordered behavior-plugin chain (chaos
// errors, rate limiting, retry-after enforcement, mocking, latency
// injection), plus a recording controller for offline inspection.
//
// Grounded on the teacher's CLI (cmd/ctrlai/main.go): a cobra command
// tree, sequential subsystem initialization inside the start
// subcommand, a /health endpoint, and signal.NotifyContext-driven
// graceful shutdown with a bounded drain window.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/devproxy/devproxy/internal/certstore"
	"github.com/devproxy/devproxy/internal/config"
	"github.com/devproxy/devproxy/internal/matchurl"
	"github.com/devproxy/devproxy/internal/pipeline"
	"github.com/devproxy/devproxy/internal/plugin"
	"github.com/devproxy/devproxy/internal/plugins/latency"
	"github.com/devproxy/devproxy/internal/plugins/mockresponse"
	"github.com/devproxy/devproxy/internal/plugins/randomerror"
	"github.com/devproxy/devproxy/internal/plugins/ratelimit"
	"github.com/devproxy/devproxy/internal/plugins/retryafter"
	"github.com/devproxy/devproxy/internal/recording"
	"github.com/devproxy/devproxy/internal/store"
)

// Build-time metadata, set via -ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "devproxy",
		Short:         "An intercepting HTTPS proxy for exercising client error handling",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to the JSON config file")
	root.AddCommand(newStartCmd(), newPluginsCmd(), newRecordingsCmd(), newVersionCmd())
	return root
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "devproxy", "config.json")
	}
	return "devproxy.config.json"
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "devproxy %s (%s) built %s\n", version, commit, buildDate)
			return nil
		},
	}
}

func newPluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "Print the configured plugin list as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out, err := cfg.DumpPluginsYAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newRecordingsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "recordings",
		Short: "Inspect recordings from a running devproxy instance",
	}
	export := &cobra.Command{
		Use:   "export",
		Short: "Export the running instance's spooled recording entries as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return exportRecordings(cmd, addr)
		},
	}
	export.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8000", "base URL of a running devproxy instance")
	cmd.AddCommand(export)
	return cmd
}

func exportRecordings(cmd *cobra.Command, addr string) error {
	resp, err := http.Get(addr + "/recordings")
	if err != nil {
		return fmt.Errorf("fetching recordings from %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching recordings: unexpected status %s", resp.Status)
	}

	var entries []recording.RequestLog
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return fmt.Errorf("decoding recordings: %w", err)
	}

	out, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshaling recordings: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd.Context())
		},
	}
}

func runStart(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		// ConfigInvalid (spec Section 7): log and exit non-zero at startup.
		slog.Error("invalid configuration", "path", configPath, "error", err)
		return err
	}
	configureLogging(cfg.LogLevel)

	watch, err := buildWatchSet(cfg.URLsToWatch)
	if err != nil {
		slog.Error("invalid watch set", "error", err)
		return err
	}

	certs, err := certstore.LoadOrCreate(certstore.DefaultPath())
	if err != nil {
		slog.Error("certificate store init failed", "error", err)
		return err
	}

	global := store.NewGlobal()
	requests := store.NewRequests()

	recorder, err := recording.New(0)
	if err != nil {
		slog.Error("recording controller init failed", "error", err)
		return err
	}
	defer recorder.Close()

	plugins, err := buildPlugins(cfg, global, requests, recorder)
	if err != nil {
		slog.Error("plugin setup failed", "error", err)
		return err
	}
	dispatcher := plugin.New(plugins)

	// The inactivity watchdog initiates shutdown by cancelling ctx.
	ctx, shutdownOnInactive := context.WithCancel(ctx)
	defer shutdownOnInactive()

	p := pipeline.New(pipeline.Options{
		Watch:      watch,
		Dispatcher: dispatcher,
		Certs:      certs,
		Global:     global,
		Requests:   requests,
		Inactivity: 5 * time.Minute,
		OnInactive: func() {
			slog.Warn("pipeline inactivity watchdog fired, shutting down")
			shutdownOnInactive()
		},
	})
	defer p.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/recordings", recordingsHandler(recorder))
	mux.HandleFunc("/ws/recording", recorder.ServeWS)
	mux.Handle("/", p)

	addr := net.JoinHostPort(cfg.IPAddress, strconv.Itoa(cfg.Port))
	server := &http.Server{Addr: addr, Handler: mux}

	if configDir := filepath.Dir(configPath); configDir != "." {
		if watcher, err := config.NewWatcher(configDir, mocksFileName(cfg), filepath.Base(configPath), config.WatchTargets{
			OnConfigChange: func() { slog.Warn("config file changed; restart devproxy to apply it") },
			OnMocksChange:  func() { slog.Warn("mock catalog changed; restart devproxy to reload it") },
		}); err == nil {
			defer watcher.Close()
		} else {
			slog.Debug("config watcher not started", "error", err)
		}
	}

	recording.WatchStdin(ctx, recorder, newSelfTestRequester(cfg.URLsToWatch))

	errCh := make(chan error, 1)
	go func() {
		slog.Info("devproxy listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-sigCtx.Done():
		slog.Info("shutting down, draining in-flight requests")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func recordingsHandler(recorder *recording.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := recorder.Entries(0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(entries)
	}
}

// mocksFileName finds the configured mock-response plugin's catalog file
// base name, for the hot-reload watcher. Falls back to "mocks.json" if
// the plugin isn't configured.
func mocksFileName(cfg *config.Config) string {
	for _, p := range cfg.Plugins {
		if p.Name != "mock-response-plugin" {
			continue
		}
		raw, err := config.DecodeMockResponse(p.Config)
		if err == nil && raw.MocksFile != "" {
			return filepath.Base(raw.MocksFile)
		}
	}
	return "mocks.json"
}

// buildWatchSet splits the configured watch entries into include/exclude
// pattern lists for matchurl.Compile (spec Section 3 "Url-to-watch
// entry": a pattern plus an exclude flag).
func buildWatchSet(entries []config.URLToWatch) (*matchurl.Set, error) {
	var includes, excludes []string
	for _, e := range entries {
		if e.Exclude {
			excludes = append(excludes, e.URL)
		} else {
			includes = append(includes, e.URL)
		}
	}
	return matchurl.Compile(includes, excludes)
}

// buildPlugins assembles the dispatcher's ordered plugin list: the
// retry-after enforcer always runs first (design doc Section 4.11: it
// must see every request before any mutating plugin), then the
// configured plugins in declaration order, then the recording
// controller's response-log observer.
func buildPlugins(cfg *config.Config, global *store.Global, requests *store.Requests, recorder *recording.Controller) ([]*plugin.Plugin, error) {
	plugins := []*plugin.Plugin{
		retryafter.New(global, retryafter.Config{}),
	}

	for _, entry := range cfg.Plugins {
		if !entry.Enabled {
			continue
		}
		p, err := buildPlugin(entry, global, requests)
		if err != nil {
			return nil, fmt.Errorf("plugin %q: %w", entry.Name, err)
		}
		plugins = append(plugins, p)
	}

	plugins = append(plugins, recorder.AsPlugin())
	return plugins, nil
}

func buildPlugin(entry config.PluginConfig, global *store.Global, requests *store.Requests) (*plugin.Plugin, error) {
	switch entry.Name {
	case "rate-limiting-plugin":
		raw, err := config.DecodeRateLimit(entry.Config)
		if err != nil {
			return nil, err
		}
		custom, err := customRateLimitResponse(raw.CustomResponseFile)
		if err != nil {
			return nil, err
		}
		return ratelimit.CountPlugin(global, requests, ratelimit.CountConfig{
			Name:                    entry.Name,
			RateLimit:               raw.RateLimit,
			CostPerRequest:          *raw.CostPerRequest,
			ResetTimeWindowSeconds:  *raw.ResetTimeWindowSeconds,
			WarningThresholdPercent: *raw.WarningThresholdPercent,
			HeaderLimit:             raw.HeaderLimit,
			HeaderRemaining:         raw.HeaderRemaining,
			HeaderReset:             raw.HeaderReset,
			HeaderRetryAfter:        raw.HeaderRetryAfter,
			ResetFormat:             resetFormatFrom(raw.ResetFormat),
			WhenLimitExceeded:       raw.WhenLimitExceeded,
			CustomResponse:          custom,
		}), nil

	case "random-error-plugin":
		raw, err := config.DecodeRandomError(entry.Config)
		if err != nil {
			return nil, err
		}
		return randomerror.New(randomerror.Config{
			Name:                entry.Name,
			Rate:                *raw.Rate,
			RetryAfterInSeconds: raw.RetryAfterInSeconds,
			Allowed:             raw.AllowedErrors,
			ProviderAware:       raw.ProviderAware,
		}), nil

	case "mock-response-plugin":
		raw, err := config.DecodeMockResponse(entry.Config)
		if err != nil {
			return nil, err
		}
		cfg := mockresponse.Config{
			Name:            entry.Name,
			MocksFile:       raw.MocksFile,
			BlockUnmocked:   raw.BlockUnmocked,
			BatchURLPattern: raw.BatchURLPattern,
		}
		if raw.BatchURLPattern != "" {
			cfg.BatchParse = parseJSONBatch
		}
		return mockresponse.New(requests, cfg)

	case "latency-plugin":
		raw, err := config.DecodeLatency(entry.Config)
		if err != nil {
			return nil, err
		}
		return latency.New(latency.Config{Name: entry.Name, MinMs: raw.MinMs, MaxMs: raw.MaxMs}), nil

	case "lm-token-rate-limiting-plugin":
		raw, err := config.DecodeTokenRateLimit(entry.Config)
		if err != nil {
			return nil, err
		}
		return ratelimit.TokenPlugin(global, ratelimit.TokenConfig{
			Name:                   entry.Name,
			PromptTokenLimit:       raw.PromptTokenLimit,
			CompletionTokenLimit:   raw.CompletionTokenLimit,
			ResetTimeWindowSeconds: raw.ResetTimeWindowSeconds,
			HeaderRetryAfter:       raw.HeaderRetryAfter,
		}), nil

	default:
		return nil, fmt.Errorf("unrecognized plugin name %q", entry.Name)
	}
}

// customRateLimitResponse loads the body for WhenLimitExceeded: "Custom"
// (spec Section 6: rateLimitConfig.customResponseFile). An empty path
// means no custom response was configured.
func customRateLimitResponse(path string) (*plugin.Response, error) {
	if path == "" {
		return nil, nil
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading custom rate-limit response %s: %w", path, err)
	}
	return &plugin.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       body,
	}, nil
}

// parseJSONBatch is the default batch-body parser for
// mockresponse.Config.BatchParse: a JSON array of {"method", "url"}
// sub-requests, matched individually against the catalog (spec Section
// 4.6 "batched-request fan-out").
func parseJSONBatch(body []byte) ([]mockresponse.MockRequest, error) {
	var reqs []mockresponse.MockRequest
	if err := json.Unmarshal(body, &reqs); err != nil {
		return nil, fmt.Errorf("parsing batch request body: %w", err)
	}
	return reqs, nil
}

func resetFormatFrom(s string) ratelimit.ResetFormat {
	if s == "UtcEpochSeconds" {
		return ratelimit.UtcEpochSeconds
	}
	return ratelimit.SecondsLeft
}

func configureLogging(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// selfTestRequester issues a GET through the proxy to the first watched
// URL, backing the stdin "w" toggle (spec Section 6).
type selfTestRequester struct {
	client *http.Client
	target string
}

func newSelfTestRequester(watch []config.URLToWatch) *selfTestRequester {
	r := &selfTestRequester{client: &http.Client{Timeout: 10 * time.Second}}
	for _, w := range watch {
		if !w.Exclude {
			r.target = w.URL
			break
		}
	}
	return r
}

func (r *selfTestRequester) IssueTestRequest(ctx context.Context) error {
	if r.target == "" {
		return fmt.Errorf("no watched URL configured to probe")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.target, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	slog.Info("test request issued", "url", r.target, "status", resp.StatusCode)
	return nil
}
