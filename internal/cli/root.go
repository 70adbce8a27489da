package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/paperscope/internal/config"
	"github.com/hyperjump/paperscope/pkg/utils"
)

// DefaultConfigPath is where the config is looked up when --config is not given.
const DefaultConfigPath = "/usr/local/etc/paperscope/config.yaml"

// rootOptions holds the global flags.
type rootOptions struct {
	configPath string
	debug      bool
	output     string
}

// NewRootCommand creates the root command.
func NewRootCommand(version, commit, date string) *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "paperscope",
		Short: "Multi-modal vector search over research papers",
		Long: `paperscope indexes embeddings of paper sections and figures together with their
metadata and answers nearest-neighbour queries by vector, text, image, or a fusion
of them.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path (default "+DefaultConfigPath+")")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format (text, compact, json)")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newSearchCommand(opts))
	rootCmd.AddCommand(newIngestCommand(opts))
	rootCmd.AddCommand(newLoadLegacyCommand(opts))
	rootCmd.AddCommand(newDeleteCommand(opts))
	rootCmd.AddCommand(newCompactCommand(opts))
	rootCmd.AddCommand(newReconcileCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newPapersCommand(opts))
	rootCmd.AddCommand(newVersionCommand(version, commit, date))

	return rootCmd
}

func newVersionCommand(version, commit, date string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			if version == "" {
				version = "dev"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "paperscope %s (%s) built on %s\n", version, commit, date)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// loadConfig loads the config at path. Without an explicit path it prefers
// config.yaml in the current directory, then DefaultConfigPath, then built-in
// defaults. It returns the path actually loaded ("" for defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	candidates := []string{DefaultConfigPath}
	if cwd, err := os.Getwd(); err == nil {
		candidates = append([]string{filepath.Join(cwd, "config.yaml")}, candidates...)
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			cfg, err := config.Load(p)
			return cfg, p, err
		}
	}
	return config.Default(), "", nil
}

// setup loads the config and builds the logger.
func (o *rootOptions) setup() (*config.Config, *zap.Logger, error) {
	cfg, path, err := loadConfig(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	debug := cfg.Debug || o.debug
	logger, err := utils.NewLogger(debug)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger.Debug("config loaded", zap.String("config_path", path), zap.Bool("debug", debug))
	return cfg, logger, nil
}

func (o *rootOptions) format() (OutputFormat, error) {
	return ParseOutputFormat(o.output)
}

// withComponents runs fn against freshly initialized components and closes them after.
func (o *rootOptions) withComponents(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, c *Components) error) error {
	cfg, logger, err := o.setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, cfg, c)
}

// errPartial marks commands that finished but could not apply everything asked.
var errPartial = errors.New("completed with errors")
