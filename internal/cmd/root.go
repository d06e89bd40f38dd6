package cmd

import (
	"os"
	"strings"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pincer-org/restgate/internal/config"
	"github.com/pincer-org/restgate/internal/observability"
)

var (
	cfgFile   string
	verbose   bool
	traceFile string
	token     string

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Rate-limited, retrying REST client and local proxy",
	Long: `restgate sends REST requests through a shared rate gate that honours
server-published buckets and global throttles, retrying server errors with
linear backoff.

Use the subcommands to issue requests, inspect persisted buckets or run a
local proxy that many processes can share.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/restgate/config.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
	flags.StringVar(&traceFile, "trace", "", "append one NDJSON entry per attempt to this file")
	flags.StringVar(&token, "token", "", "API token (prefer RESTGATE_TOKEN)")

	_ = viper.BindPFlag("verbose", flags.Lookup("verbose"))
	_ = viper.BindPFlag("trace.file", flags.Lookup("trace"))
	_ = viper.BindPFlag("api.token", flags.Lookup("token"))
}

// initConfig locates the config file and initializes the CLI logger.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if dir := gfconfig.GetAppConfigDir(config.AppName); dir != "" {
			viper.AddConfigPath(dir)
		} else if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath("./config")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	readErr := viper.ReadInConfig()

	logCfg := config.LoggingConfig{
		Level:   viper.GetString("logging.level"),
		Profile: observability.ProfileSimple,
	}
	if err := observability.InitCLILogger(config.AppName, logCfg, verbose); err != nil {
		ExitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to initialize CLI logger", err)
	}

	if readErr == nil {
		observability.CLILogger.Debug("Using config file", zap.String("path", viper.ConfigFileUsed()))
		return
	}
	if _, ok := readErr.(viper.ConfigFileNotFoundError); ok {
		observability.CLILogger.Debug("No config file found, using defaults and environment variables")
		return
	}
	if cfgFile != "" {
		ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Failed to read config file", readErr)
	}
	observability.CLILogger.Warn("Error reading config file", zap.Error(readErr))
}

// loadConfig decodes the effective configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	cfg.API.Token = strings.TrimSpace(cfg.API.Token)
	return cfg, nil
}
