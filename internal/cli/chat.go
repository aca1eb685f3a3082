// ABOUTME: Interactive and one-shot chat command
// ABOUTME: Streams the response to stdout as deltas arrive, Ctrl-C cancels

package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/arden-labs/parley/internal/session"
	"github.com/arden-labs/parley/internal/toolcall"
)

var (
	chatTopic        string
	chatConversation string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message...]",
	Short: "Chat with the backend",
	Long: `Chat with the backend, streaming the response as it is generated.

With a message argument the command sends it, prints the response, and
exits. Without arguments it enters an interactive loop; Ctrl-C cancels an
in-flight response, Ctrl-D exits.

The --topic flag routes the message to the conversation for that topic,
reusing a recent one when it exists.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		if err := openTarget(ctx, a); err != nil {
			return err
		}

		if len(args) > 0 {
			return runOnce(ctx, a, strings.Join(args, " "))
		}
		return runInteractive(ctx, a)
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&chatTopic, "topic", "t", "", "Topic key for conversation routing")
	chatCmd.Flags().StringVar(&chatConversation, "conversation", "", "Continue a specific conversation ID")
}

// openTarget selects the conversation the chat will use.
func openTarget(ctx context.Context, a *app) error {
	switch {
	case chatConversation != "":
		return a.controller.SelectConversation(ctx, chatConversation)
	case chatTopic != "":
		conv, err := a.controller.OpenTopic(ctx, chatTopic, chatTopic)
		if err != nil {
			return err
		}
		color.New(color.FgHiBlack).Fprintf(os.Stderr, "conversation %s (topic %s)\n", conv.ID, chatTopic)
		return nil
	default:
		_, err := a.controller.CreateConversation(ctx, "New conversation", "")
		return err
	}
}

func runOnce(ctx context.Context, a *app, message string) error {
	changes, subID := a.controller.Notifier().Subscribe(ctx)
	defer a.controller.Notifier().Unsubscribe(subID)

	if err := a.controller.SendMessage(ctx, message); err != nil {
		return err
	}
	renderStream(ctx, a.controller, changes)
	return nil
}

func runInteractive(ctx context.Context, a *app) error {
	gray := color.New(color.FgHiBlack)
	gray.Fprintln(os.Stderr, "interactive mode, Ctrl-D to exit")

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	scanner := bufio.NewScanner(os.Stdin)
	prompt := color.New(color.FgGreen, color.Bold)

	for {
		prompt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		changes, subID := a.controller.Notifier().Subscribe(ctx)
		if err := a.controller.SendMessage(ctx, line); err != nil {
			a.controller.Notifier().Unsubscribe(subID)
			color.Red("Error: %v", err)
			continue
		}

		// Ctrl-C while streaming cancels just this response
		done := make(chan struct{})
		go func() {
			select {
			case <-interrupts:
				a.controller.Cancel()
			case <-done:
			}
		}()

		renderStream(ctx, a.controller, changes)
		close(done)
		a.controller.Notifier().Unsubscribe(subID)
	}
}

// renderStream prints the response incrementally until the exchange
// finalizes, then prints sources and any error.
func renderStream(ctx context.Context, c *session.Controller, changes <-chan session.Change) {
	printed := 0
	announced := make(map[string]string)
	gray := color.New(color.FgHiBlack)

	for {
		snap := c.Snapshot()

		for _, call := range snap.ToolCalls {
			if announced[call.ID] == call.Status {
				continue
			}
			announced[call.ID] = call.Status
			label := call.Label
			if label == "" {
				label = call.Name
			}
			switch call.Status {
			case toolcall.StatusRunning:
				gray.Fprintf(os.Stderr, "[tool] %s...\n", label)
			case toolcall.StatusCompleted:
				gray.Fprintf(os.Stderr, "[tool] %s done\n", label)
			case toolcall.StatusFailed:
				gray.Fprintf(os.Stderr, "[tool] %s failed\n", label)
			}
		}

		if len(snap.Buffer) > printed {
			fmt.Print(snap.Buffer[printed:])
			printed = len(snap.Buffer)
		}

		if !snap.Streaming {
			fmt.Println()
			if snap.Err != "" {
				color.Red("Error: %s", snap.Err)
				c.ClearError()
			}
			for _, src := range snap.Sources {
				gray.Fprintf(os.Stderr, "[source] %s %s\n", src.Title, src.URL)
			}
			return
		}

		select {
		case _, ok := <-changes:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
