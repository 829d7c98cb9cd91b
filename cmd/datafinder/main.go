// Command datafinder pulls FHIR resources of a patient cohort into tables.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/SanteonNL/datafinder/cmd/datafinder/app"
	"github.com/SanteonNL/datafinder/cmd/datafinder/columns"
	"github.com/SanteonNL/datafinder/cmd/datafinder/config"
	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/client"
	"github.com/SanteonNL/datafinder/cmd/datafinder/settings"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// cli holds what the subcommands share: the bound settings and a logger
type cli struct {
	v   *viper.Viper
	cfg *config.Config
	log zerolog.Logger
}

func main() {
	c := &cli{v: config.NewViper()}
	if err := c.rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "datafinder:", err)
		os.Exit(1)
	}
}

func (c *cli) rootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:           "datafinder",
		Short:         "Pull FHIR resources of a patient cohort into tables",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnvFile(envFile); err != nil {
				return err
			}
			cfg, err := config.FromViper(c.v)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.log = zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) { w.Out = os.Stderr })).
				Level(cfg.Level()).
				With().Timestamp().Caller().Logger()
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file with settings, ignored when missing")
	flags.String("server", "", "FHIR server base URL")
	flags.String("api-key", "", "API key sent as x-api-key")
	flags.String("log-level", "info", "log level")
	flags.String("settings-dsn", "memory://", "preference store (memory://, sqlite://, postgres://, redis://)")
	flags.String("settings-file", "", "column settings JSON file")
	flags.Bool("no-cache", false, "disable the response cache")
	flags.Bool("no-batch", false, "send single requests even when the server supports batch")
	c.bind(flags, map[string]string{
		"FHIR_SERVER_URL": "server",
		"FHIR_API_KEY":    "api-key",
		"LOG_LEVEL":       "log-level",
		"SETTINGS_DSN":    "settings-dsn",
		"SETTINGS_FILE":   "settings-file",
		"CACHE_DISABLED":  "no-cache",
		"DISABLE_BATCH":   "no-batch",
	})

	root.AddCommand(c.pullCmd(), c.columnsCmd(), c.criteriaCmd(), c.lookupCmd(), c.serveCmd())
	return root
}

// bind binds config keys to flags so that flags override the environment.
func (c *cli) bind(flags *pflag.FlagSet, keys map[string]string) {
	for key, flag := range keys {
		if err := c.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind %s: %v", key, err))
		}
	}
}

// open connects to the configured server with the configured preference
// store and column settings.
func (c *cli) open(ctx context.Context, opts ...client.Option) (*app.Session, func(), error) {
	store, err := settings.Open(ctx, c.cfg.SettingsDSN, c.log)
	if err != nil {
		return nil, nil, err
	}
	columnSettings, err := columns.LoadSettings(c.cfg.SettingsFile)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	session, err := app.Open(ctx, app.Options{
		Config:         c.cfg,
		Store:          store,
		ColumnSettings: columnSettings,
		ClientOptions:  opts,
	}, c.log)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return session, func() {
		session.Close()
		if err := store.Close(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to close preference store")
		}
	}, nil
}
