// modforge builds LLM-generated data-integration modules: it orchestrates
// generation, sandboxed validation, bounded self-repair, and attestation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"modforge/internal/artifact"
	"modforge/internal/buildtypes"
	"modforge/internal/config"
	"modforge/internal/gateway"
	"modforge/internal/logging"
	"modforge/internal/orchestrator"
	"modforge/internal/policy"
	"modforge/internal/sandbox"
	"modforge/internal/server"
	"modforge/internal/store"
)

// version is set via -ldflags at build time.
var version = "dev"

var (
	configPath string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "modforge",
	Short: "modforge - LLM-driven integration module builder",
	Long: `modforge orchestrates the build of data-integration modules: an LLM
generates the module, a static analyzer and an isolated sandbox validate it,
a bounded repair loop feeds findings back to the generator, and validated
bundles are sealed with a content-addressed attestation.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
}

// components is the wired core shared by serve and build.
type components struct {
	cfg       *config.Config
	store     *store.Store
	artifacts *artifact.Writer
	profiles  *policy.ProfileSet
	orch      *orchestrator.Orchestrator
}

func (c *components) close() {
	c.orch.Close()
	c.store.Close()
}

// wire builds the full pipeline from configuration. Every dependency is
// constructed here and handed down; nothing reaches for globals.
func wire(ctx context.Context) (*components, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logging.Initialize("data", cfg.Logging); err != nil {
		return nil, err
	}

	st, err := store.New(cfg.Store.DatabasePath)
	if err != nil {
		return nil, err
	}
	profiles, err := policy.LoadProfiles(cfg.Policy.ProfilesDir)
	if err != nil {
		st.Close()
		return nil, err
	}

	gw, err := buildGateway(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	if err := os.MkdirAll(cfg.Sandbox.WorkRoot, 0o755); err != nil {
		st.Close()
		return nil, fmt.Errorf("create sandbox work root: %w", err)
	}

	artifacts := artifact.NewWriter(cfg.Artifacts.Dir)
	orch := orchestrator.New(orchestrator.Config{
		Gateway:          gw,
		Sandbox:          sandbox.New(cfg.Sandbox.WorkRoot),
		Store:            st,
		Artifacts:        artifacts,
		Profiles:         profiles,
		QueueSize:        cfg.Orchestrator.QueueSize,
		Workers:          cfg.Orchestrator.Workers,
		ValidatorBuildID: validatorBuildID(cfg),
	})

	return &components{cfg: cfg, store: st, artifacts: artifacts, profiles: profiles, orch: orch}, nil
}

func validatorBuildID(cfg *config.Config) string {
	if cfg.Orchestrator.ValidatorBuildID != "" {
		return cfg.Orchestrator.ValidatorBuildID
	}
	return "modforge-" + version
}

// buildGateway constructs providers, purpose lanes, and the budget ledger
// from configuration.
func buildGateway(ctx context.Context, cfg *config.Config) (*gateway.Gateway, error) {
	providers := map[string]gateway.Provider{}
	for _, pc := range cfg.Gateway.Providers {
		switch pc.Kind {
		case "gemini":
			p, err := gateway.NewGeminiProvider(ctx, gateway.GeminiConfig{
				Name:   pc.Name,
				Org:    pc.Org,
				APIKey: pc.ProviderKey(),
				Model:  pc.Model,
			})
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
			}
			providers[pc.Name] = p
		case "chat":
			providers[pc.Name] = gateway.NewChatProvider(gateway.ChatConfig{
				Name:    pc.Name,
				Org:     pc.Org,
				APIKey:  pc.ProviderKey(),
				BaseURL: pc.BaseURL,
				Model:   pc.Model,
				Timeout: pc.ProviderTimeout(),
			})
		}
	}

	lanes := map[gateway.Purpose][]gateway.Provider{}
	for purpose, names := range cfg.Gateway.Lanes {
		for _, name := range names {
			lanes[gateway.Purpose(purpose)] = append(lanes[gateway.Purpose(purpose)], providers[name])
		}
	}

	ledger := gateway.NewLedger()
	for _, b := range cfg.Gateway.Budgets {
		ledger.SetBudget(b.Provider, b.Org, gateway.Budget{
			MaxTokens: b.MaxTokens,
			MaxWall:   b.BudgetWall(),
		})
	}

	return gateway.New(gateway.Config{
		Lanes:  lanes,
		Ledger: ledger,
		Backoff: gateway.BackoffConfig{
			Base:        cfg.BackoffBase(),
			Cap:         cfg.BackoffCap(),
			MaxAttempts: cfg.Gateway.Backoff.MaxAttempts,
		},
	}), nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the intake API and build orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		comps, err := wire(ctx)
		if err != nil {
			return err
		}
		defer comps.close()

		profileStop := make(chan struct{})
		defer close(profileStop)
		comps.profiles.WatchSignals(profileStop, func(err error) {
			logger.Warn("profile reload failed, keeping previous set", zap.Error(err))
		})

		srv := server.New(server.Config{
			Orchestrator: comps.orch,
			Store:        comps.store,
			Profiles:     comps.profiles,
			Logger:       logger,
			Version:      version,
			APIKey:       comps.cfg.Server.APIKey,
		})
		httpSrv := &http.Server{
			Addr:              comps.cfg.Server.Listen,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("intake API listening",
				zap.String("addr", comps.cfg.Server.Listen),
				zap.String("version", version))
			errCh <- httpSrv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	},
}

var (
	buildModule   string
	buildIntent   string
	buildProfile  string
	buildAttempts int
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build one module and wait for the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		comps, err := wire(ctx)
		if err != nil {
			return err
		}
		defer comps.close()

		res, err := comps.orch.Submit(orchestrator.SubmitRequest{
			ModuleID:          buildModule,
			Intent:            buildIntent,
			ProfileName:       buildProfile,
			MaxRepairAttempts: buildAttempts,
		})
		if err != nil {
			return err
		}
		logger.Info("job submitted", zap.String("job_id", res.JobID), zap.String("module", buildModule))

		cancelled := false
		for {
			select {
			case <-ctx.Done():
				if !cancelled {
					cancelled = true
					comps.orch.Cancel(res.JobID)
					logger.Warn("interrupted, cancelling job", zap.String("job_id", res.JobID))
				}
				time.Sleep(100 * time.Millisecond)
			case <-time.After(250 * time.Millisecond):
			}

			view, err := comps.orch.Status(res.JobID)
			if err != nil {
				return err
			}
			if view.Status.Terminal() {
				out, _ := json.MarshalIndent(view, "", "  ")
				fmt.Println(string(out))
				if view.Status != buildtypes.StatusValidated {
					return fmt.Errorf("build finished %s (%s)", view.Status, view.StatusNote)
				}
				return nil
			}
		}
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <job-id> <attempt-id>",
	Short: "Verify a persisted bundle against its attestation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		writer := artifact.NewWriter(cfg.Artifacts.Dir)

		att, err := writer.ReadAttestation(args[0])
		if err != nil {
			return fmt.Errorf("read attestation: %w", err)
		}
		bundle, _, err := writer.ReadAttempt(args[1])
		if err != nil {
			return fmt.Errorf("read bundle: %w", err)
		}
		if err := att.VerifyAgainst(bundle); err != nil {
			return fmt.Errorf("verification FAILED: %w", err)
		}
		fmt.Printf("OK %s %s@%s digest=%s\n", att.JobID, att.ModuleID, att.Version, att.BundleDigest)
		return nil
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the loaded policy profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		profiles, err := policy.LoadProfiles(cfg.Policy.ProfilesDir)
		if err != nil {
			return err
		}
		for _, name := range profiles.Names() {
			p, _ := profiles.Get(name)
			fmt.Printf("%-12s network=%s wall=%ds repair_attempts=%d critic=%v\n",
				name, p.NetworkMode, p.WallClockSeconds, p.MaxRepairAttempts, p.CriticEnabled)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "modforge.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	buildCmd.Flags().StringVar(&buildModule, "module", "", "module id (category/platform)")
	buildCmd.Flags().StringVar(&buildIntent, "intent", "", "what the module should do")
	buildCmd.Flags().StringVar(&buildProfile, "profile", "", "policy profile name")
	buildCmd.Flags().IntVar(&buildAttempts, "max-attempts", 0, "override the profile's repair attempt bound")
	buildCmd.MarkFlagRequired("module")
	buildCmd.MarkFlagRequired("intent")

	rootCmd.AddCommand(serveCmd, buildCmd, verifyCmd, profilesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
