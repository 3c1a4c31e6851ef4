package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/tokenkeeper/internal/tokenstore"
)

const timeFormat = "2006-01-02 15:04:05 MST"

// storedStatus is the status command's view of the persisted token set.
type storedStatus struct {
	Present          bool      `json:"present"`
	AccessExpired    bool      `json:"access_expired"`
	RefreshExpired   bool      `json:"refresh_expired"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func newStoredStatus(tokens tokenstore.TokenSet, now time.Time) storedStatus {
	return storedStatus{
		Present:          !tokens.IsSentinel(),
		AccessExpired:    tokens.AccessExpired(now),
		RefreshExpired:   tokens.RefreshExpired(now),
		AccessExpiresAt:  tokens.AccessExpiresAt.UTC(),
		RefreshExpiresAt: tokens.RefreshExpiresAt.UTC(),
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show stored token expiries without contacting the token endpoint",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print as JSON",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			application, flush, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer flush()

			tokens, err := application.Stored(ctx)
			if err != nil {
				return err
			}
			return writeStatus(cmd.Root().Writer, newStoredStatus(tokens, time.Now()), cmd.Bool("json"))
		},
	}
}

func writeStatus(w io.Writer, s storedStatus, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	if !s.Present {
		_, err := fmt.Fprintln(w, "no stored tokens, run `tokenkeeper login`")
		return err
	}
	_, err := fmt.Fprintf(w, "access token:  %s (%s)\nrefresh token: %s (%s)\n",
		s.AccessExpiresAt.Local().Format(timeFormat), expiryLabel(s.AccessExpired),
		s.RefreshExpiresAt.Local().Format(timeFormat), expiryLabel(s.RefreshExpired),
	)
	return err
}

func expiryLabel(expired bool) string {
	if expired {
		return "expired"
	}
	return "valid"
}
