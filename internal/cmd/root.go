// Package cmd implements the buildlock command-line interface.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildlock/internal/config"
	"buildlock/internal/lockfile"
	"buildlock/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "buildlock",
	Short: "Exclusive build-resource locking across processes",
	Long: `Buildlock coordinates exclusive access to a build resource (an IDE
project) that only one process may drive at a time. Independent processes
queue for a named lock through a shared lock directory; no daemon or network
service is involved.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/buildlock/config.yaml)")
	rootCmd.PersistentFlags().String("lock-dir", "", "lock root directory (default is $HOME/.buildlock/locks)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("lock.dir", rootCmd.PersistentFlags().Lookup("lock-dir"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("BUILDLOCK")
	// Replace dots with underscores for nested keys in env vars
	// e.g., BUILDLOCK_LOCK_DIR for lock.dir
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// newManager builds the lock manager from the loaded configuration.
// The returned cleanup closes the logger and must be called before exit.
func newManager() (*lockfile.Manager, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	logger := logging.NopLogger()
	cleanup := func() {}
	if cfg.Logging.Enabled {
		logger, err = logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { _ = logger.Close() }
	}

	mgr, err := lockfile.NewManager(cfg.Lock.ResolveDir(),
		lockfile.WithLogger(logger),
		lockfile.WithMaxReasonLength(cfg.Lock.MaxReasonLength),
		lockfile.WithMutexRetryInterval(cfg.Lock.MutexRetry()),
		lockfile.WithMutexStaleAfter(cfg.Lock.MutexStaleAfter),
		lockfile.WithPollInterval(cfg.Lock.PollInterval),
	)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return mgr, cleanup, nil
}
