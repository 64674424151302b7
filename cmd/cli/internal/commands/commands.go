package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/wolfeidau/assessd/cmd/cli/internal/credentials"
	"github.com/wolfeidau/assessd/internal/client"
)

type Globals struct {
	Debug   bool
	Version string
}

// APIFlags locate the server and the bearer token used to call it.
type APIFlags struct {
	Server    string        `help:"Server URL (defaults to the server saved with the token)" env:"ASSESSD_SERVER"`
	Token     string        `help:"Bearer token (defaults to the saved token)" env:"ASSESSD_TOKEN"`
	ConfigDir string        `help:"Directory holding keys and the saved token" env:"ASSESSD_CONFIG_DIR"`
	Timeout   time.Duration `help:"Request timeout" default:"30s"`
}

func (f APIFlags) client() (*client.Client, error) {
	cfg := client.DefaultConfig()
	cfg.Timeout = f.Timeout

	server, token := f.Server, f.Token
	if token == "" {
		store, err := credentials.NewStore(f.ConfigDir)
		if err != nil {
			return nil, err
		}
		savedServer, savedToken, err := store.LoadToken()
		if err != nil {
			return nil, err
		}
		token = savedToken
		if server == "" {
			server = savedServer
		}
	}
	if server != "" {
		cfg.ServerURL = server
	}
	cfg.Token = token

	return client.New(cfg)
}

func printSession(s *client.Session) {
	current := "-"
	if s.CurrentSection != nil {
		current = *s.CurrentSection
	}
	fmt.Printf("Session:  %s\n", s.SessionID)
	fmt.Printf("Type:     %s\n", s.AssessmentType)
	fmt.Printf("Status:   %s\n", s.Status)
	fmt.Printf("Current:  %s\n", current)
	fmt.Printf("Version:  %d\n\n", s.Version)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SECTION\tKIND\tSTATUS\tDURATION\tREMAINING")
	for _, sec := range s.Sections {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			sec.ID, sec.Kind, sec.Status,
			seconds(sec.DurationSeconds), seconds(sec.RemainingSeconds))
	}
	_ = w.Flush()
}

func seconds(s float64) time.Duration {
	return (time.Duration(s) * time.Second).Round(time.Second)
}
