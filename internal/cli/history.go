// ABOUTME: History command showing the stored messages of a conversation
// ABOUTME: Prints user and assistant turns oldest first

package cli

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/arden-labs/parley/internal/store"
)

var (
	historyLimit  int
	historyOffset int
)

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		conv, err := a.store.GetConversation(ctx, args[0])
		if err != nil {
			return fmt.Errorf("loading conversation: %w", err)
		}

		messages, err := a.store.GetMessages(ctx, conv.ID, historyLimit, historyOffset)
		if err != nil {
			return fmt.Errorf("loading messages: %w", err)
		}

		cyan := color.New(color.FgCyan, color.Bold)
		green := color.New(color.FgGreen, color.Bold)
		gray := color.New(color.FgHiBlack)

		title := conv.Title
		if title == "" {
			title = conv.ID
		}
		cyan.Printf("%s", title)
		if conv.TopicKey != "" {
			gray.Printf("  [%s]", conv.TopicKey)
		}
		fmt.Println()

		for _, msg := range messages {
			fmt.Println()
			switch msg.Role {
			case store.RoleUser:
				green.Print("you")
			default:
				cyan.Print("assistant")
			}
			gray.Printf("  %s", msg.CreatedAt.Format(time.DateTime))
			if msg.Model != "" {
				gray.Printf("  %s", msg.Model)
			}
			fmt.Println()
			fmt.Println(msg.Content)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum messages to show")
	historyCmd.Flags().IntVar(&historyOffset, "offset", 0, "Messages to skip from the start")
}
