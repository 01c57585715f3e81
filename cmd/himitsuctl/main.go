// Command himitsuctl operates a Himitsu deployment from the shell: browse
// datasets, upload and reprice them, run paid queries, switch the backend
// mode and check the configured chains.
//
// It reads the same HIMITSU_* environment as the server. On the memory
// network every invocation starts from an empty ledger.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/himitsu/internal/bootstrap"
	"github.com/ashita-ai/himitsu/internal/config"
	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/prefs"
)

// version is set at build time via -ldflags.
var version = "dev"

// cliClientID attributes CLI workflows in the journal.
const cliClientID = "himitsuctl"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := execute(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// execute runs one invocation and releases whatever it opened, including
// after a failed command.
func execute(ctx context.Context, args []string, out, errOut io.Writer) error {
	c := &cli{out: out, errOut: errOut}
	defer c.close()
	root := newRootCmd(c)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// cli holds state shared by every subcommand of one invocation.
type cli struct {
	out     io.Writer
	errOut  io.Writer
	logger  *slog.Logger
	network string
	verbose bool

	cfg    config.Config
	loaded bool
	stack  *bootstrap.Stack
	prefs  *prefs.SQLiteStore
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "himitsuctl",
		Short:         "Operate the Himitsu confidential data marketplace",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			level := slog.LevelWarn
			if c.verbose || os.Getenv("HIMITSU_LOG_LEVEL") == "debug" {
				level = slog.LevelDebug
			}
			c.logger = slog.New(slog.NewTextHandler(c.errOut, &slog.HandlerOptions{Level: level}))
			return nil
		},
	}
	root.SetOut(c.out)
	root.SetErr(c.errOut)
	root.PersistentFlags().StringVarP(&c.network, "network", "n", "", "network name (overrides HIMITSU_NETWORK)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		c.datasetsCmd(),
		c.datasetCmd(),
		c.uploadCmd(),
		c.updateCmd(),
		c.queryCmd(),
		c.waitCmd(),
		c.resolveCmd(),
		c.queriesCmd(),
		c.modeCmd(),
		c.quoteCmd(),
		c.summaryCmd(),
		c.statsCmd(),
		c.hashKeyCmd(),
		c.jwtKeysCmd(),
		c.rpcCheckCmd(),
		c.balanceCmd(),
	)
	return root
}

// config loads the environment once, applying the --network override.
func (c *cli) config() (config.Config, error) {
	if c.loaded {
		return c.cfg, nil
	}
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if c.network != "" {
		net, err := config.ResolveNetwork(c.network)
		if err != nil {
			return config.Config{}, err
		}
		cfg.Network = net
		if cfg.DefaultMode == model.ModeFHE && !net.FHE {
			cfg.DefaultMode = model.ModeMock
		}
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	c.cfg, c.loaded = cfg, true
	return cfg, nil
}

// core builds the marketplace stack on first use. The mode preference is
// shared with a server using the same HIMITSU_PREFS_PATH.
func (c *cli) core(ctx context.Context) (*bootstrap.Stack, error) {
	if c.stack != nil {
		return c.stack, nil
	}
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	store, err := prefs.OpenSQLite(ctx, cfg.PrefsPath)
	if err != nil {
		return nil, fmt.Errorf("prefs: %w", err)
	}
	stack, err := bootstrap.Build(ctx, cfg, bootstrap.Deps{Prefs: store, Logger: c.logger})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	c.stack, c.prefs = stack, store
	return stack, nil
}

func (c *cli) close() {
	if c.stack != nil {
		c.stack.Close()
		c.stack = nil
	}
	if c.prefs != nil {
		_ = c.prefs.Close()
		c.prefs = nil
	}
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
