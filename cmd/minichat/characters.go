// cmd/minichat/characters.go
package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newCharactersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "characters",
		Aliases: []string{"chars"},
		Short:   "Manage characters",
	}
	cmd.AddCommand(newCharactersListCommand())
	cmd.AddCommand(newCharactersNewCommand())
	cmd.AddCommand(newCharactersHideCommand())
	cmd.AddCommand(newCharactersSelectCommand())
	return cmd
}

func newCharactersListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List visible characters",
		RunE: func(cmd *cobra.Command, args []string) error {
			var currentID string
			if current := svc.Conversation.CurrentCharacter(); current != nil {
				currentID = current.ID
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\tID\tNAME\tKIND\tTAGLINE")
			for _, c := range svc.Characters.List() {
				marker := ""
				if c.ID == currentID {
					marker = "*"
				}
				kind := "built-in"
				if c.IsCustom {
					kind = "custom"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", marker, c.ID, c.Name, kind, c.Tagline)
			}
			return w.Flush()
		},
	}
}

func newCharactersNewCommand() *cobra.Command {
	var (
		name         string
		tagline      string
		personality  string
		greeting     string
		firstMessage string
		systemPrompt string
		tags         []string
		selectIt     bool
	)

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a custom character",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := svc.Characters.CreateEmpty()
			if name = strings.TrimSpace(name); name != "" {
				c.Name = name
			}
			c.Tagline = tagline
			c.Personality = personality
			c.Greeting = greeting
			c.FirstMessage = firstMessage
			c.SystemPrompt = systemPrompt
			c.Tags = tags

			saved := svc.Characters.Upsert(c)
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", saved.Name, saved.ID)

			if selectIt {
				return svc.Conversation.SelectCharacter(saved.ID)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&name, "name", "", "display name")
	flags.StringVar(&tagline, "tagline", "", "one-line description")
	flags.StringVar(&personality, "personality", "", "personality notes")
	flags.StringVar(&greeting, "greeting", "", "greeting used in the system prompt")
	flags.StringVar(&firstMessage, "first-message", "", "message that opens every new chat")
	flags.StringVar(&systemPrompt, "system-prompt", "", "extra system instructions")
	flags.StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	flags.BoolVar(&selectIt, "select", false, "switch to the new character")
	return cmd
}

func newCharactersHideCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "hide <id>",
		Aliases: []string{"delete", "rm"},
		Short:   "Delete a custom character or hide a built-in one",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.Conversation.DeleteCharacter(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func newCharactersSelectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "select <id>",
		Short: "Make a character the current one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.Conversation.SelectCharacter(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "selected %s\n", args[0])
			return nil
		},
	}
}
