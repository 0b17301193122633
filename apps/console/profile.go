package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/EkeHanson/complete-lms-sub000/core/session"
)

var (
	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Width(12)
)

func roleName(role string) string {
	if def, ok := session.QARoles[strings.ToLower(role)]; ok {
		return def.Name
	}
	if role == "" {
		return "no role"
	}
	return role
}

// renderProfileCard renders the logged in user as a bordered card.
func renderProfileCard(p *session.Profile, dashboard string) string {
	row := func(label, value string) string {
		return labelStyle.Render(label) + value
	}

	rows := []string{
		titleStyle.Render(p.DisplayName()),
		row("ID", p.ID),
		row("Email", p.Email),
		row("Role", roleName(p.Role)),
	}
	if tenant := p.Attribute("tenant_id"); tenant != "" {
		rows = append(rows, row("Tenant", tenant))
	}
	rows = append(rows, row("Dashboard", dashboard))

	perms := p.Permissions.List()
	if len(perms) == 0 {
		perms = []string{"none"}
	}
	rows = append(rows, row("Permissions", strings.Join(perms, ", ")))

	if len(p.QAStats) > 0 {
		keys := make([]string, 0, len(p.QAStats))
		for k := range p.QAStats {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		stats := make([]string, 0, len(keys))
		for _, k := range keys {
			stats = append(stats, fmt.Sprintf("%s=%v", k, p.QAStats[k]))
		}
		rows = append(rows, row("QA stats", strings.Join(stats, " ")))
	}
	return cardStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func (cli *commandLine) whoamiCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.restore(cmd.Context()); err != nil {
				return err
			}
			usr := cli.session.User()
			if asJSON {
				enc := json.NewEncoder(cli.out)
				enc.SetIndent("", "  ")
				return enc.Encode(usr)
			}
			fmt.Fprintln(cli.out, renderProfileCard(usr, cli.session.DashboardRoute()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the profile as JSON")
	return cmd
}

func (cli *commandLine) profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage the logged in user's profile",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set key=value...",
		Short: "Update profile fields",
		Long: `Update profile fields of the logged in user. Values are parsed as JSON when possible.

Examples:
  lmsconsole profile set first_name=Grace last_name=Hopper
  lmsconsole profile set 'qa_stats={"sampled": 3}'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			updates, err := parseUpdates(args)
			if err != nil {
				return err
			}
			if err := cli.restore(cmd.Context()); err != nil {
				return err
			}
			if err := cli.session.UpdateUser(cmd.Context(), updates); err != nil {
				printFieldErrors(cli.errOut, err)
				return err
			}
			fmt.Fprintln(cli.out, renderProfileCard(cli.session.User(), cli.session.DashboardRoute()))
			return nil
		},
	})
	return cmd
}

// parseUpdates parses key=value pairs. Values that are not valid JSON are kept as strings.
func parseUpdates(args []string) (map[string]interface{}, error) {
	updates := make(map[string]interface{}, len(args))
	for _, arg := range args {
		kv := strings.SplitN(arg, "=", 2)
		key := strings.TrimSpace(kv[0])
		if len(kv) != 2 || key == "" {
			return nil, errors.Errorf("invalid update %q: expected key=value", arg)
		}
		var val interface{}
		if err := json.Unmarshal([]byte(kv[1]), &val); err != nil {
			val = kv[1]
		}
		updates[key] = val
	}
	return updates, nil
}
