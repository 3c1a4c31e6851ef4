package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/tokenkeeper/internal/app"
	"github.com/florianilch/tokenkeeper/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "tokenkeeper",
		Usage: "Keeps an OAuth2 token set fresh for a market data API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
				Sources: cli.EnvVars(envPrefix + "CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "log-exporter",
				Usage: "OpenTelemetry log and span exporter (none|stdout|otlp-grpc|otlp-http)",
				Value: string(app.DefaultConfigLogExporter),
			},
			&cli.StringFlag{
				Name:  "storage--type",
				Usage: "token storage backend (file|keyring)",
				Value: string(app.DefaultConfigStorageType),
			},
			&cli.StringFlag{
				Name:  "storage--file",
				Usage: "token file path (file storage)",
			},
		},
		Commands: []*cli.Command{
			startCommand(),
			loginCommand(),
			statusCommand(),
			tokenCommand(),
			quotesCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

// setup loads the config, installs logging and builds the application.
// The returned func flushes logging and must be called before exit.
func setup(ctx context.Context, cmd *cli.Command) (*app.App, func(), error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	shutdown, err := observability.Instrument(ctx, cfg.LogLevel, string(cfg.LogFormat), cfg.LogExporter)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}
	flush := func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			fmt.Fprintln(os.Stderr, "flushing logs:", err)
		}
	}

	application, err := app.New(cfg)
	if err != nil {
		flush()
		return nil, nil, fmt.Errorf("failed to create app: %w", err)
	}

	return application, flush, nil
}

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "authorize if needed, then keep tokens fresh until interrupted",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "server--enabled",
				Usage: "serve the local bearer proxy",
			},
			&cli.StringFlag{
				Name:  "server--host",
				Usage: "proxy host",
				Value: app.DefaultConfigServerHost,
			},
			&cli.IntFlag{
				Name:  "server--port",
				Usage: "proxy port",
				Value: int(app.DefaultConfigServerPort),
			},
			&cli.DurationFlag{
				Name:  "refresh--interval",
				Usage: "how often token expiry is checked",
				Value: app.DefaultConfigRefreshInterval,
			},
		},
		Action: startAction,
	}
}

func startAction(ctx context.Context, cmd *cli.Command) error {
	application, flush, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush()

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "run the interactive authorization and store a new token set",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, flush, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer flush()

			tokens, err := application.Login(ctx)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			_, err = fmt.Fprintf(cmd.Root().Writer, "authorized\naccess token expires:  %s\nrefresh token expires: %s\n",
				tokens.AccessExpiresAt.Local().Format(timeFormat),
				tokens.RefreshExpiresAt.Local().Format(timeFormat),
			)
			return err
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "print a valid access token",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "refresh",
				Usage: "refresh before printing, even if the current token is still valid",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, flush, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer flush()

			token, err := application.AccessToken(ctx, cmd.Bool("refresh"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.Root().Writer, token)
			return err
		},
	}
}

func quotesCommand() *cli.Command {
	return &cli.Command{
		Name:      "quotes",
		Usage:     "print quotes for one or more symbols as JSON",
		ArgsUsage: "SYMBOL [SYMBOL...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "fields",
				Usage: "comma separated root nodes (quote, fundamental, extended, reference, regular)",
				Value: "ALL",
			},
			&cli.BoolFlag{
				Name:  "indicative",
				Usage: "include indicative quotes",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			symbols := cmd.Args().Slice()
			if len(symbols) == 0 {
				return errors.New("at least one symbol is required")
			}

			application, flush, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer flush()

			if err := application.Ready(ctx); err != nil {
				return err
			}
			body, err := application.MarketData().Quotes(ctx, symbols, cmd.String("fields"), cmd.Bool("indicative"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.Root().Writer, string(body))
			return err
		},
	}
}
