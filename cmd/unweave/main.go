package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/unweave/unweave/internal/config"
	"github.com/unweave/unweave/internal/log"
)

const configName = "unweave.yaml"

var (
	userConfigPath string // /default/config/path/unweave on given OS
	configPath     string // actual config file used (if loaded)
	cfg            config.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagWrite          bool   // value of config --write flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "unweave")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	configCmd.Flags().BoolVar(&flagWrite, "write", false, "store the configuration to "+filepath.Join(userConfigPath, configName))

	// never print messages
	rootCmd.SilenceErrors = true

	// parse the config, setup logging
	rootCmd.PersistentPreRunE = initUnweave

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("unweave failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "unweave",
	Short:        "Audio stem separation server",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the HTTP API, separation jobs and the cleanup",
	RunE:  doServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration",
	RunE:  doConfig,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of an unweave",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("unweave: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("unweave: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doConfig(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	if flagWrite {
		path := filepath.Join(userConfigPath, configName)
		if err := os.MkdirAll(userConfigPath, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", userConfigPath, err)
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", path, err)
		}
		defer func() {
			_ = f.Close()
		}()
		out = f
		slog.Info("storing configuration", "path", path)
	}
	enc := yaml.NewEncoder(out)
	defer func() {
		_ = enc.Close()
	}()
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return nil
}

func initUnweave(cmd *cobra.Command, _ []string) error {
	// .env is optional
	_ = godotenv.Load()

	if envConfig, ok := os.LookupEnv("UNWEAVECONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, configName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		cfg.Log.Verbose = true
	}
	slog.SetDefault(log.New(cfg.Log.Verbose, cfg.Log.Format))

	slog.Debug("unweave run", "configPath", configPath)
	slog.Debug("unweave run", "config", cfg)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
