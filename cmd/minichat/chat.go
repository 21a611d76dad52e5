// cmd/minichat/chat.go
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Corphon/MiniChat/internal/models"
	"github.com/Corphon/MiniChat/internal/services"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
)

const chatHelp = `Commands:
  /edit            rewrite your latest message (next line replaces it)
  /cancel          stop editing
  /regen           generate another reply for the latest bot message
  /prev, /next     browse reply variants (/next past the last one regenerates)
  /reset           restart the chat with the character's first message
  /clear           clear the chat history
  /clearall        clear the history of every character
  /persona <text>  set who you are
  /situation <t>   set the current situation
  /who             show the current character
  /help            show this help
  /quit            leave
An empty line asks the character to continue.`

func newChatCommand() *cobra.Command {
	var characterID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat with the selected character",
		RunE: func(cmd *cobra.Command, args []string) error {
			if characterID != "" {
				if err := svc.Conversation.SelectCharacter(characterID); err != nil {
					return err
				}
			}

			r := newRepl(svc.Conversation, cmd.OutOrStdout())
			if cmd.InOrStdin() != os.Stdin {
				return r.run(cmd.Context(), newScannerInput(cmd.InOrStdin(), cmd.OutOrStdout()))
			}

			input := newLinerInput(historyFile)
			defer input.Close()
			return r.run(cmd.Context(), input)
		},
	}
	cmd.Flags().StringVarP(&characterID, "character", "c", "", "character id to chat with")
	return cmd
}

// repl 终端会话
type repl struct {
	conv *services.ConversationService
	out  io.Writer
}

func newRepl(conv *services.ConversationService, out io.Writer) *repl {
	return &repl{conv: conv, out: out}
}

func (r *repl) run(ctx context.Context, in lineInput) error {
	if ctx == nil {
		ctx = context.Background()
	}

	r.printHeader()
	for {
		line, err := in.Prompt("> ")
		if err != nil {
			fmt.Fprintln(r.out)
			if err == io.EOF || err == liner.ErrPromptAborted {
				return nil
			}
			return err
		}
		if quit := r.handle(ctx, line); quit {
			return nil
		}
	}
}

// handle 执行一行输入，返回 true 表示退出
func (r *repl) handle(ctx context.Context, line string) bool {
	trimmed := strings.TrimSpace(line)
	command, arg, _ := strings.Cut(trimmed, " ")
	arg = strings.TrimSpace(arg)

	switch command {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(r.out, chatHelp)
	case "/who":
		r.printHeader()
	case "/edit":
		text, ok := r.conv.BeginEditLatestUser()
		if !ok {
			fmt.Fprintln(r.out, "(nothing to edit)")
			return false
		}
		fmt.Fprintf(r.out, "(editing) %s\n", text)
	case "/cancel":
		r.conv.CancelEdit()
		fmt.Fprintln(r.out, "(edit cancelled)")
	case "/regen":
		r.report(r.conv.Regenerate(ctx))
	case "/prev", "/next":
		delta := 1
		if command == "/prev" {
			delta = -1
		}
		step := r.conv.StepVariant(ctx, delta)
		if !step.Changed && !step.Generated {
			fmt.Fprintln(r.out, "(no other reply)")
			return false
		}
		r.printLatestBot()
	case "/reset":
		r.check(r.conv.ResetToInitial())
	case "/clearall":
		r.check(r.conv.ClearAll())
	case "/persona":
		r.conv.SetUserPersona(arg)
		fmt.Fprintln(r.out, "(persona updated)")
	case "/situation":
		r.conv.SetSituation(arg)
		fmt.Fprintln(r.out, "(situation updated)")
	default:
		// /clear 由会话控制器识别
		r.report(r.conv.Send(ctx, trimmed))
	}
	return false
}

func (r *repl) check(err error) {
	if err != nil {
		fmt.Fprintf(r.out, "(%s)\n", err)
		return
	}
	r.printTranscript()
}

func (r *repl) report(outcome services.Outcome) {
	if outcome == services.OutcomeIgnored {
		fmt.Fprintln(r.out, "(ignored)")
		return
	}
	r.printLatestBot()
}

func (r *repl) printHeader() {
	ch := r.conv.CurrentCharacter()
	if ch == nil {
		fmt.Fprintln(r.out, "No character selected. Create one with `minichat characters new`.")
		return
	}
	fmt.Fprintf(r.out, "Chatting with %s (%s). Type /help for commands.\n", ch.Name, ch.ID)
	r.printTranscript()
}

func (r *repl) printTranscript() {
	for _, m := range r.conv.Messages() {
		r.printMessage(m)
	}
}

func (r *repl) printLatestBot() {
	messages := r.conv.Messages()
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].IsBot() {
			r.printMessage(messages[i])
			return
		}
	}
}

func (r *repl) printMessage(m *models.Message) {
	if !m.IsBot() {
		fmt.Fprintf(r.out, "you: %s\n", m.Text())
		return
	}

	name := "bot"
	if ch := r.conv.CurrentCharacter(); ch != nil {
		name = ch.Name
	}
	meta := m.VariantMeta()
	if meta.Total > 1 {
		fmt.Fprintf(r.out, "%s [%d/%d]: %s\n", name, meta.Index+1, meta.Total, m.Text())
		return
	}
	fmt.Fprintf(r.out, "%s: %s\n", name, m.Text())
}
