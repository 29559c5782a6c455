package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/antoniostano/chatrelay/internal/chatclient"
	"github.com/antoniostano/chatrelay/internal/reassembly"
)

func newAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a running relay and print the answer as it streams",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			relayURL, _ := cmd.Flags().GetString("url")
			useWS, _ := cmd.Flags().GetBool("ws")
			render, _ := cmd.Flags().GetBool("render")

			client, err := chatclient.New(relayURL, chatclient.WithLogger(log))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			out := cmd.OutOrStdout()
			render = render && isTerminal(out)
			p := &printer{w: out, quiet: render}
			r := reassembly.New()

			ask := client.Ask
			if useWS {
				ask = client.AskWS
			}
			askErr := ask(ctx, r, strings.Join(args, " "), p.update)
			p.finish(r)

			if render {
				if err := renderMarkdown(out, r.DisplayText()); err != nil {
					return err
				}
			}
			if askErr != nil && !errors.Is(askErr, context.Canceled) {
				return askErr
			}
			return nil
		},
	}
	cmd.Flags().String("url", "http://localhost:8080", "relay base url")
	cmd.Flags().Bool("ws", false, "use the websocket endpoint instead of server-sent events")
	cmd.Flags().Bool("render", false, "render the final answer as markdown when writing to a terminal")
	return cmd
}

// printer writes the growing display text. Normalization may rewrite text that
// was already shown; in that case only the final text is trusted.
type printer struct {
	w       io.Writer
	quiet   bool
	printed string
	stale   bool
}

func (p *printer) update(r *reassembly.Reassembler) {
	if p.quiet || p.stale {
		return
	}
	text := r.DisplayText()
	if !strings.HasPrefix(text, p.printed) {
		p.stale = true
		return
	}
	_, _ = io.WriteString(p.w, text[len(p.printed):])
	p.printed = text
}

func (p *printer) finish(r *reassembly.Reassembler) {
	entries := r.Entries()
	if !p.quiet && p.stale {
		_, _ = fmt.Fprintf(p.w, "\n---\n%s", r.DisplayText())
	}
	if !p.quiet {
		_, _ = io.WriteString(p.w, "\n")
	}
	if n := len(entries); n > 0 && entries[n-1].Role == reassembly.RoleError {
		_, _ = fmt.Fprintln(p.w, entries[n-1].Text)
	}
}

func renderMarkdown(w io.Writer, text string) error {
	renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return errors.Wrap(err, "create markdown renderer")
	}
	styled, err := renderer.Render(text)
	if err != nil {
		return errors.Wrap(err, "render markdown")
	}
	_, err = io.WriteString(w, styled)
	return err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
