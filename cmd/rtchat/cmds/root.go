package cmds

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// app carries state shared by the subcommands once PersistentPreRunE ran.
type app struct {
	configFile string
	v          *viper.Viper
	settings   Settings
}

func NewRootCommand() (*cobra.Command, error) {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "rtchat",
		Short:         "Realtime streaming chat sessions over websockets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default ~/.rtchat/config.yaml)")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.String("log-format", "auto", "log format (auto, console, json)")
	pf.Bool("with-caller", false, "log caller file and line")
	pf.String("store", "sqlite", "session store (sqlite, redis, memory)")
	pf.String("db", "", "sqlite database path (default ~/.rtchat/rtchat.db)")
	pf.String("redis-addr", "", "redis address for the redis store")

	sessionsCmd, err := newSessionsCommand(a)
	if err != nil {
		return nil, err
	}
	rootCmd.AddCommand(newServeCommand(a), sessionsCmd)
	return rootCmd, nil
}

var flagKeys = map[string]string{
	"log-level":       "log.level",
	"log-format":      "log.format",
	"with-caller":     "log.with-caller",
	"store":           "store.type",
	"db":              "store.path",
	"redis-addr":      "store.redis-addr",
	"addr":            "addr",
	"user-id":         "default-user-id",
	"system-prompt":   "system-prompt",
	"backend":         "backend.type",
	"model":           "backend.model",
	"summary-model":   "backend.summary-model",
	"base-url":        "backend.base-url",
	"timeout":         "backend.timeout",
	"summary-timeout": "backend.summary-timeout",
	"bus":             "bus.enabled",
	"bus-addr":        "bus.addr",
}

func (a *app) load(cmd *cobra.Command) error {
	// .env only fills variables that are not already set.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "load .env")
	}
	v, err := newViper(a.configFile)
	if err != nil {
		return err
	}
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(key, f)
	})
	if bindErr != nil {
		return errors.Wrap(bindErr, "bind flags")
	}
	s, err := loadSettings(v)
	if err != nil {
		return err
	}
	if err := initLogger(s.Log, os.Stderr); err != nil {
		return err
	}
	a.v = v
	a.settings = s
	return nil
}
