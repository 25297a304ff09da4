package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/haukened/gblock/internal/gblock/common/log"
	"github.com/haukened/gblock/internal/gblock/config"
)

const (
	// Version information
	version = "0.1.0-dev"
	appName = "gblockd"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

// cli carries state shared by every subcommand.
type cli struct {
	envFile    string
	configFile string
	cfg        *config.AppConfig
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           appName,
		Short:         "Global block lookup service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return c.loadConfig()
		},
	}
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file applied before reading GBLOCK_ variables; a missing file is ignored")
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "YAML, JSON or TOML config file; GBLOCK_ variables override it")

	root.AddCommand(
		c.serveCommand(),
		c.checkCommand(),
		c.importCommand(),
		c.listCommand(),
	)
	return root
}

// loadConfig reads the dotenv file, the config file and the environment,
// then configures logging.
func (c *cli) loadConfig() error {
	if err := loadEnvFile(c.envFile); err != nil {
		return err
	}
	cfg, err := config.Load(c.configFile)
	if err != nil {
		return err
	}
	if err := log.Configure(cfg.Env, cfg.Log.Level); err != nil {
		return fmt.Errorf("logging configuration error: %w", err)
	}
	c.cfg = cfg
	return nil
}

// loadEnvFile applies path without overriding variables already set.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
