package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"chat-gateway/internal/app"
	"chat-gateway/internal/repository"
	"chat-gateway/internal/usecase"
)

const timeLayout = "2006-01-02 15:04:05"

func init() {
	rootCmd.AddCommand(newListCmd(), newShowCmd(), newDayCmd(), newDeleteCmd(), newAskCmd())
}

func newListCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent chats, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), cmd.ErrOrStderr(), func(a *app.App) error {
				out, err := a.History.ListChats(cmd.Context(), days)
				if err != nil {
					return err
				}
				table := tablewriter.NewWriter(cmd.OutOrStdout())
				table.SetHeader([]string{"ID", "Title", "Updated", "Messages"})
				for _, c := range out.Chats {
					table.Append([]string{c.ID, c.Title, formatTime(c.Timestamp), strconv.Itoa(c.MessageCount)})
				}
				table.Render()
				fmt.Fprintf(cmd.OutOrStdout(), "%d chat(s)\n", out.Total)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", repository.DefaultListDays, "number of days to look back, today included")
	return cmd
}

func newShowCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "show <chatId>",
		Short: "Print a chat transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cmd.ErrOrStderr(), func(a *app.App) error {
				rec, err := a.History.LoadChat(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if raw {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(rec)
				}
				rendered, err := renderMarkdown(transcriptMarkdown(rec), terminalWidth())
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), rendered)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print the stored JSON instead of a rendered transcript")
	return cmd
}

func newDayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "day <YYYY-MM-DD>",
		Short: "List every chat stored under one day",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cmd.ErrOrStderr(), func(a *app.App) error {
				recs, err := a.History.ChatsForDay(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				table := tablewriter.NewWriter(cmd.OutOrStdout())
				table.SetHeader([]string{"ID", "Title", "Created", "Messages", "Model"})
				for _, rec := range recs {
					model, _ := rec.Metadata["model"].(string)
					table.Append([]string{rec.ID, repository.Title(rec.Messages), formatTime(rec.CreatedAt), strconv.Itoa(len(rec.Messages)), model})
				}
				table.Render()
				return nil
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <chatId>",
		Short: "Delete a chat found within the lookback window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cmd.ErrOrStderr(), func(a *app.App) error {
				if err := a.History.DeleteChat(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newAskCmd() *cobra.Command {
	var model, chatID string
	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Send one prompt through the gateway and record the exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cmd.ErrOrStderr(), func(a *app.App) error {
				out, err := a.Gateway.Handle(cmd.Context(), usecase.HandleInput{Prompt: args[0], Model: model, ChatID: chatID})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out.Result.Text)
				fmt.Fprintf(cmd.ErrOrStderr(), "model=%s source=%s chat=%s key=%s\n", out.Result.Model, out.Result.Source, out.ChatID, out.StorageKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model id (defaults to DEFAULT_MODEL)")
	cmd.Flags().StringVar(&chatID, "chat-id", "", "append to an existing chat")
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

