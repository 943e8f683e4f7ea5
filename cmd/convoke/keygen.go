package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"convoke/pkg/federation"
	"convoke/pkg/types"
)

var (
	keygenTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#8BE9FD")).
				MarginBottom(1)

	keygenLabelStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#6272A4")).
				Width(12)

	keygenValueStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#50FA7B")).
				Bold(true)

	keygenPEMStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#44475A")).
			Padding(0, 1)
)

func keygenCmd() *cobra.Command {
	var domain string
	var calendar bool

	cmd := &cobra.Command{
		Use:   "keygen <local-id>",
		Short: "Provision a local actor and print its keypair",
		Long: `Generates a 2048-bit signing keypair for a new local actor, derives its
canonical federation URI, and prints the PEM material for insertion into the
actor store. Run once per principal; actors are never re-keyed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zap.NewNop()

			subject := types.SubjectPerson
			if calendar {
				subject = types.SubjectCalendar
			}

			directory := federation.NewDirectory(federation.NewMemoryStore(), false, logger)
			actor, err := directory.CreateLocalActor(subject, args[0], domain)
			if err != nil {
				return err
			}

			fmt.Println(keygenTitleStyle.Render("New local actor"))
			fmt.Println(keygenLabelStyle.Render("URI") + keygenValueStyle.Render(actor.URI))
			fmt.Println(keygenLabelStyle.Render("Subject") + keygenValueStyle.Render(string(actor.Subject)))
			fmt.Println(keygenLabelStyle.Render("Key ID") + keygenValueStyle.Render(actor.URI+"#main-key"))
			fmt.Println()
			fmt.Println(keygenPEMStyle.Render(actor.PublicKeyPEM))
			fmt.Println(keygenPEMStyle.Render(actor.PrivateKeyPEM))

			return nil
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "localhost", "federation domain the actor is hosted on")
	cmd.Flags().BoolVar(&calendar, "calendar", false, "provision a calendar actor instead of a person")

	return cmd
}
