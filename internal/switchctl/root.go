// Package switchctl implements the operator CLI that drives the traffic switch
// admin API.
package switchctl

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/template"
	"time"

	"github.com/mir00r/bluegreen/internal/bluegreen"
	"github.com/mir00r/bluegreen/internal/middleware"
	"github.com/spf13/cobra"
)

const statusTemplate = `State:      {{.State}}
Active:     {{.Active}}
{{- if .Draining}}
Draining:   {{.Draining}}{{if .DrainDeadline}} (deadline {{.DrainDeadline.Format "15:04:05"}}){{end}}
{{- end}}
Generation: {{.Generation}}
Changed:    {{.ChangedAt.Format "2006-01-02T15:04:05Z07:00"}}

{{range .Instances}}{{printf "%-8s" .Color}} {{printf "%-9s" .Phase}} {{.Address}}{{.HealthPath}}  conns={{index $.OpenConnections .Color}}{{if .LastProbe}}  probe={{.LastProbe}}{{end}}
{{end}}`

const instanceTemplate = `{{.Color}} {{.Phase}} {{.Address}}{{.HealthPath}}{{if .LastProbe}} probe={{.LastProbe}}{{end}}
`

type options struct {
	url     string
	token   string
	secret  string
	issuer  string
	timeout time.Duration
	output  string
}

// NewRootCommand builds the switchctl command tree writing to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "switchctl",
		Short: "Operate the blue-green traffic switch",
		Long: `Operate the blue-green traffic switch through its admin API.

Examples:
  # Show routing state and instances
  switchctl status

  # Roll out a new build into the idle slot and move traffic to it
  switchctl deploy green http://10.0.0.2:8000
  switchctl warm green
  switchctl cutover green
  switchctl complete`,
		SilenceUsage: true,
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.url, "url", envOr("BG_ADMIN_URL", "http://localhost:8081"), "Admin API base URL")
	flags.StringVar(&opts.token, "token", os.Getenv("BG_ADMIN_TOKEN"), "Bearer token for the admin API")
	flags.StringVar(&opts.secret, "secret", os.Getenv("BG_ADMIN_JWT_SECRET"), "Sign a short-lived token with this secret when --token is empty")
	flags.StringVar(&opts.issuer, "issuer", envOr("BG_ADMIN_ISSUER", "bluegreen"), "Token issuer")
	flags.DurationVar(&opts.timeout, "timeout", 60*time.Second, "Request timeout")
	flags.StringVarP(&opts.output, "output", "o", "text", "Output format (text, json)")

	root.AddCommand(
		newStatusCommand(opts),
		newCutoverCommand(opts),
		newCompleteCommand(opts),
		newDeployCommand(opts),
		newWarmCommand(opts),
		newTokenCommand(opts),
	)

	return root
}

// Execute runs switchctl against os.Args.
func Execute() error {
	return NewRootCommand(os.Stdout).Execute()
}

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show routing state, instances and open connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), statusTemplate, status)
		},
	}
}

func newCutoverCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cutover <color>",
		Short: "Probe the target instance and route new connections to it",
		Long: `Probe the target instance and route new connections to it.

The previous instance keeps its open connections and drains. Run "complete"
once it has drained, or let the switch complete on its own.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			status, err := client.Cutover(cmd.Context(), bluegreen.Color(args[0]))
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), statusTemplate, status)
		},
	}
}

func newCompleteCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "complete",
		Short: "Retire the draining instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			status, err := client.Complete(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), statusTemplate, status)
		},
	}
}

func newDeployCommand(opts *options) *cobra.Command {
	var healthPath string

	cmd := &cobra.Command{
		Use:   "deploy <color> <address>",
		Short: "Register a new build in an idle slot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			inst, err := client.Deploy(cmd.Context(), bluegreen.Color(args[0]), args[1], healthPath)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), instanceTemplate, inst)
		},
	}
	cmd.Flags().StringVar(&healthPath, "health-path", "", "Readiness path of the new build (default /readiness)")

	return cmd
}

func newWarmCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "warm <color>",
		Short: "Probe an instance without routing traffic to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			inst, err := client.Warm(cmd.Context(), bluegreen.Color(args[0]))
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), instanceTemplate, inst)
		},
	}
}

func newTokenCommand(opts *options) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print an admin bearer token signed with --secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.secret == "" {
				return fmt.Errorf("--secret or BG_ADMIN_JWT_SECRET is required")
			}
			token, err := middleware.IssueToken(opts.secret, opts.issuer, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", envOr("USER", "operator"), "Operator recorded in the audit log")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")

	return cmd
}

func (o *options) client() (*bluegreen.Client, error) {
	token := o.token
	if token == "" && o.secret != "" {
		var err error
		token, err = middleware.IssueToken(o.secret, o.issuer, envOr("USER", "operator"), 5*time.Minute)
		if err != nil {
			return nil, fmt.Errorf("sign admin token: %w", err)
		}
	}
	return bluegreen.NewClient(o.url, token, o.timeout), nil
}

func (o *options) print(w io.Writer, text string, v interface{}) error {
	switch o.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "text":
		tmpl, err := template.New("out").Parse(text)
		if err != nil {
			return err
		}
		return tmpl.Execute(w, v)
	default:
		return fmt.Errorf("unsupported output format: %s", o.output)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
