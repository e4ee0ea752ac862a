package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/burrowkit/burrow/pkg/capture"
	"github.com/burrowkit/burrow/pkg/config"
	"github.com/burrowkit/burrow/pkg/embedder"
	"github.com/burrowkit/burrow/pkg/gitstore"
	"github.com/burrowkit/burrow/pkg/hints"
	"github.com/burrowkit/burrow/pkg/index"
	"github.com/burrowkit/burrow/pkg/lifecycle"
	"github.com/burrowkit/burrow/pkg/log"
	"github.com/burrowkit/burrow/pkg/pattern"
	"github.com/burrowkit/burrow/pkg/recall"
	"github.com/burrowkit/burrow/pkg/reconciler"
	"github.com/burrowkit/burrow/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes consumed by external harnesses
const (
	exitOK         = 0
	exitValidation = 2
	exitStorage    = 3
	exitIndex      = 4
	exitEmbedding  = 5
	exitLock       = 6
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if action := recoveryAction(err); action != "" {
			fmt.Fprintf(os.Stderr, "Recovery: %s\n", action)
		}
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - git-native memory store for developer assistants",
	Long: `Burrow attaches structured memories to commits via git notes and
indexes them locally for fast semantic and scalar recall.

Git is the source of truth; the index is a derived cache that can always
be rebuilt with 'burrow sync full'.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Config file path")
	rootCmd.PersistentFlags().String("repo", "", "Repository path (default: discovered from cwd)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(patternsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// exitCode maps the error taxonomy onto the CLI contract
func exitCode(err error) int {
	var (
		ve *types.ValidationError
		se *types.StorageError
		ie *types.IndexError
		ee *types.EmbeddingError
		pe *types.ParseError
		ce *types.CaptureError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &pe):
		return exitValidation
	case errors.As(err, &ce):
		if ce.Kind == types.CaptureLockTimeout {
			return exitLock
		}
		return exitStorage
	case errors.As(err, &se):
		return exitStorage
	case errors.As(err, &ie):
		return exitIndex
	case errors.As(err, &ee):
		return exitEmbedding
	}
	return 1
}

func recoveryAction(err error) string {
	var r interface{ RecoveryAction() string }
	if errors.As(err, &r) {
		return r.RecoveryAction()
	}
	return ""
}

// engines bundles everything a command needs for one repository
type engines struct {
	cfg       *config.Config
	git       *gitstore.Store
	idx       *index.Store
	embed     *embedder.Client
	hints     *hints.Store
	capture   *capture.Engine
	recall    *recall.Engine
	sync      *reconciler.Engine
	lifecycle *lifecycle.Engine
	pattern   *pattern.Engine
}

func (e *engines) close() {
	if e.idx != nil {
		e.idx.Close()
	}
	if e.hints != nil {
		e.hints.Close()
	}
	if e.embed != nil {
		e.embed.Close()
	}
}

// setup wires all engines for the repository the command targets
func setup(cmd *cobra.Command) (*engines, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	configPath, _ := rootCmd.PersistentFlags().GetString("config")
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}

	repoPath, _ := rootCmd.PersistentFlags().GetString("repo")
	if repoPath == "" {
		cwd, werr := os.Getwd()
		if werr != nil {
			return nil, werr
		}
		repoPath = cwd
	}
	repoPath, err = gitstore.DiscoverRepo(ctx, repoPath)
	if err != nil {
		return nil, err
	}

	git := gitstore.NewStore(repoPath,
		gitstore.WithPrefix(cfg.GitPrefix),
		gitstore.WithTimeout(cfg.SubprocessTimeout),
	)

	idx, err := index.Open(cfg.IndexPath(), cfg.EmbeddingDim)
	if err != nil {
		return nil, err
	}

	hintStore, err := hints.Open(cfg.StatePath())
	if err != nil {
		idx.Close()
		return nil, err
	}

	embed := embedder.NewClient(cfg.EmbeddingURL, cfg.EmbeddingModel, cfg.EmbeddingDim)

	e := &engines{
		cfg:   cfg,
		git:   git,
		idx:   idx,
		embed: embed,
		hints: hintStore,
	}
	e.capture = capture.NewEngine(cfg, git, embed, idx, hintStore)
	e.recall = recall.NewEngine(cfg, embed, idx, git)
	e.sync = reconciler.NewEngine(cfg, git, idx, embed, hintStore)
	e.lifecycle = lifecycle.NewEngine(cfg, idx, git)
	e.pattern = pattern.NewEngine(idx, e.capture)
	return e, nil
}
