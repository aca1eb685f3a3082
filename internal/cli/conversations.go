// ABOUTME: Conversation management commands: list, archive, delete
// ABOUTME: Reads and mutates the local conversation directory

package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/arden-labs/parley/internal/store"
)

var listLimit int

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Manage local conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		conversations, total, err := a.store.ListConversations(cmd.Context(), listLimit)
		if err != nil {
			return fmt.Errorf("listing conversations: %w", err)
		}

		if len(conversations) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}

		cyan := color.New(color.FgCyan)
		gray := color.New(color.FgHiBlack)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tTOPIC\tTITLE\tUPDATED\tLAST MESSAGE")
		for _, conv := range conversations {
			title := conv.Title
			if conv.Archived {
				title += " (archived)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				cyan.Sprint(conv.ID),
				conv.TopicKey,
				title,
				conv.UpdatedAt.Format(time.DateTime),
				truncate(conv.LastMessage, 40),
			)
		}
		w.Flush()

		if total > len(conversations) {
			gray.Printf("showing %d of %d conversations\n", len(conversations), total)
		}
		return nil
	},
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.store.DeleteConversation(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("deleting conversation: %w", err)
		}
		color.Green("Deleted %s", args[0])
		return nil
	},
}

var archiveFlag bool

var conversationsArchiveCmd = &cobra.Command{
	Use:   "archive <conversation-id>",
	Short: "Archive or unarchive a conversation",
	Long: `Archive a conversation so topic routing no longer reuses it.
Use --restore to unarchive.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		archived := !archiveFlag
		conv, err := a.store.UpdateConversation(cmd.Context(), args[0], store.ConversationUpdate{
			Archived: &archived,
		})
		if err != nil {
			return fmt.Errorf("updating conversation: %w", err)
		}
		if conv.Archived {
			color.Green("Archived %s", conv.ID)
		} else {
			color.Green("Restored %s", conv.ID)
		}
		return nil
	},
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsDeleteCmd)
	conversationsCmd.AddCommand(conversationsArchiveCmd)
	conversationsListCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum conversations to show")
	conversationsArchiveCmd.Flags().BoolVar(&archiveFlag, "restore", false, "Unarchive instead of archive")
}
