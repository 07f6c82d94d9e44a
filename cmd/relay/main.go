// Command relay runs the task-to-PR orchestration engine. In its default
// mode it polls the task store forever; with -task it drives one task and
// exits. Credentials come from the environment or from the encrypted
// .relay/secrets.json.enc file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"relay/pkg/approval"
	"relay/pkg/config"
	"relay/pkg/driver"
	forgegithub "relay/pkg/forge/github"
	"relay/pkg/logx"
	"relay/pkg/metrics"
	"relay/pkg/orch"
	"relay/pkg/persistence"
	"relay/pkg/preview"
	"relay/pkg/router"
	"relay/pkg/tasks"
	"relay/pkg/workspace"

	"github.com/google/uuid"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// secretKeys maps secrets-file entries to the environment variables the
// config loader reads.
var secretKeys = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GITHUB_TOKEN",
	"RELAY_TASK_STORE_TOKEN",
}

func main() {
	var (
		projectDir     string
		taskID         string
		debug          bool
		metricsAddr    string
		encryptSecrets bool
		showVersion    bool
	)
	flag.StringVar(&projectDir, "dir", "", "Project directory (default: current directory)")
	flag.StringVar(&taskID, "task", "", "Process a single task by ID and exit")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address (empty to disable)")
	flag.BoolVar(&encryptSecrets, "encrypt-secrets", false, "Encrypt current credential env vars into .relay/secrets.json.enc and exit")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("relay " + version)
		return
	}

	logx.SetDebug(debug)
	logger := logx.NewLogger("relay")

	if projectDir == "" {
		var err error
		projectDir, err = os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot determine working directory: %v\n", err)
			os.Exit(1)
		}
	}

	if encryptSecrets {
		if err := runEncryptSecrets(projectDir); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-secrets: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Secrets written to .relay/secrets.json.enc")
		return
	}

	// Decrypt stored secrets into the environment before the config loader
	// reads it. Env vars set by the operator win over stored values.
	if config.HasSecretsFile(projectDir) {
		if err := applyStoredSecrets(projectDir); err != nil {
			fmt.Fprintf(os.Stderr, "loading secrets: %v\n", err)
			os.Exit(1)
		}
	}

	// Config validation is the only startup gate that exits non-zero.
	if err := config.LoadConfig(projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	sessionID := uuid.NewString()
	if err := persistence.Initialize(resolvePath(projectDir, cfg.DatabasePath), sessionID); err != nil {
		// The run ledger is accounting, not control flow.
		logger.Warn("run ledger unavailable: %v", err)
	}
	defer func() {
		if err := persistence.Close(); err != nil {
			logger.Warn("closing run ledger: %v", err)
		}
	}()

	orchestrator, err := buildOrchestrator(cfg, projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if taskID != "" {
		logger.Info("single-task mode: %s", taskID)
		if err := orchestrator.RunOnce(ctx, taskID); err != nil {
			logger.Error("task %s: %v", taskID, err)
			os.Exit(1)
		}
		return
	}

	if err := orchestrator.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("orchestrator: %v", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// buildOrchestrator wires the full component graph from config.
func buildOrchestrator(cfg config.Config, projectDir string) (*orch.Orchestrator, error) {
	if cfg.TaskStoreURL == "" {
		return nil, fmt.Errorf("task store URL is not configured (RELAY_TASK_STORE_URL)")
	}
	store := tasks.NewClient(cfg.TaskStoreURL, cfg.TaskStoreToken)

	registry, err := router.LoadRegistry(resolvePath(projectDir, cfg.BackendRegistry))
	if err != nil {
		return nil, fmt.Errorf("backend registry: %w", err)
	}
	rtr := router.New(cfg, registry).WithObserver(metrics.NewPrometheusRecorder())

	forgeClient, err := forgegithub.NewClient(context.Background(), cfg.GitHubToken, cfg.Git.RepoURL)
	if err != nil {
		return nil, fmt.Errorf("forge: %w", err)
	}

	var previewClient *preview.Client
	var monitor *preview.Monitor
	if cfg.Deploy.PreviewURL != "" {
		previewClient = preview.NewClient(cfg.Deploy.PreviewURL)
		monitor = preview.NewMonitor(previewClient, store, cfg.Deploy.AliasHost,
			time.Duration(cfg.Deploy.MonitorTimeoutSec)*time.Second)
	}

	drv := driver.New(forgeClient, store, previewClient, monitor, cfg)
	appr := approval.NewProtocol(store, registry.AgentIdentities(),
		cfg.PollInterval, time.Duration(cfg.Budget.ApprovalTimeoutSec)*time.Second)
	clones := workspace.NewManager(projectDir, cfg.Git.RepoURL, cfg.GitHubToken)

	orchestrator := orch.New(cfg, store, rtr, drv, appr, clones, monitor)
	if cfg.PrometheusURL != "" {
		spend, err := metrics.NewQueryService(cfg.PrometheusURL)
		if err != nil {
			logx.NewLogger("relay").Warn("spend aggregation disabled: %v", err)
		} else {
			orchestrator = orchestrator.WithSpendQuery(spend)
		}
	}
	return orchestrator, nil
}

// resolvePath anchors config-relative paths at the project directory.
func resolvePath(projectDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(projectDir, path)
}

func serveMetrics(addr string, logger *logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/logs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(logx.RecentEntries(200)); err != nil {
			logger.Warn("writing log snapshot: %v", err)
		}
	})
	logger.Info("metrics listening on %s", addr)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server: %v", err)
	}
}

// runEncryptSecrets collects known credential env vars and writes them
// encrypted under a passphrase read from the terminal.
func runEncryptSecrets(projectDir string) error {
	secrets := make(map[string]string)
	for _, key := range secretKeys {
		if v := os.Getenv(key); v != "" {
			secrets[key] = v
		}
	}
	if len(secrets) == 0 {
		return fmt.Errorf("none of %s are set", strings.Join(secretKeys, ", "))
	}

	passphrase, err := promptPassphrase("Passphrase: ")
	if err != nil {
		return err
	}
	confirm, err := promptPassphrase("Confirm passphrase: ")
	if err != nil {
		return err
	}
	if passphrase != confirm {
		return fmt.Errorf("passphrases do not match")
	}
	return config.SaveSecrets(projectDir, passphrase, secrets)
}

// applyStoredSecrets decrypts the secrets file and exports entries that are
// not already present in the environment.
func applyStoredSecrets(projectDir string) error {
	passphrase := os.Getenv("RELAY_SECRETS_PASSPHRASE")
	if passphrase == "" {
		var err error
		passphrase, err = promptPassphrase("Secrets passphrase: ")
		if err != nil {
			return err
		}
	}

	secrets, err := config.LoadSecrets(projectDir, passphrase)
	if err != nil {
		return err
	}
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func promptPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(raw), nil
}
