// chatcli 是一个命令行聊天客户端，用来手动验证流式接口。
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zhouzirui/buddychat/pkg/client"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd(viper.New(), os.Stdin, os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper, in io.Reader, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "chatcli",
		Short:        "Talk to a buddychat backend from the terminal",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env 不存在时忽略
			_ = godotenv.Load()
			return nil
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(out)

	root.PersistentFlags().String("url", "http://localhost:8080", "backend base URL")
	root.PersistentFlags().String("platform", string(client.PlatformDesktop), "client platform: ios, android, web or desktop")
	root.PersistentFlags().Duration("timeout", 2*time.Minute, "timeout for each request")

	for _, key := range []string{"url", "platform", "timeout"} {
		if err := v.BindPFlag(key, root.PersistentFlags().Lookup(key)); err != nil {
			panic(err)
		}
	}
	// BUDDY_URL, BUDDY_PLATFORM, BUDDY_TIMEOUT
	v.SetEnvPrefix("buddy")
	v.AutomaticEnv()

	root.AddCommand(
		newSendCmd(v),
		newListCmd(v),
		newHistoryCmd(v),
		newDeleteCmd(v),
	)
	return root
}

func newClient(v *viper.Viper) (*client.Client, error) {
	platform := client.Platform(strings.ToLower(v.GetString("platform")))
	switch platform {
	case client.PlatformIOS, client.PlatformAndroid, client.PlatformWeb, client.PlatformDesktop:
	default:
		return nil, fmt.Errorf("unknown platform %q", platform)
	}
	return client.New(v.GetString("url"), client.WithPlatform(platform))
}

func withTimeout(cmd *cobra.Command, v *viper.Viper) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), v.GetDuration("timeout"))
}

func newSendCmd(v *viper.Viper) *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a message and stream the reply; without a message, read lines from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(v)
			if err != nil {
				return err
			}

			var session *client.Session
			if conversationID != "" {
				ctx, cancel := withTimeout(cmd, v)
				session = client.ResumeSession(ctx, c, conversationID)
				cancel()
			} else {
				session = client.NewSession(c)
			}

			out := cmd.OutOrStdout()
			if len(args) > 0 {
				return sendOne(cmd, v, session, strings.Join(args, " "))
			}

			turns := session.Accumulator().Snapshot()
			if len(turns) > 0 {
				fmt.Fprintf(out, "buddy> %s\n", turns[len(turns)-1].Content)
			}
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "you> ")
				if !scanner.Scan() {
					fmt.Fprintln(out)
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/quit" || line == "/exit" {
					return nil
				}
				// 单轮失败不退出，错误已经显示在回复里
				_ = sendOne(cmd, v, session, line)
			}
		},
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "continue an existing conversation")
	return cmd
}

// sendOne streams one reply, printing deltas as they arrive.
func sendOne(cmd *cobra.Command, v *viper.Viper, session *client.Session, text string) error {
	out := cmd.OutOrStdout()
	acc := session.Accumulator()
	updates := acc.Subscribe(32)

	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		started := false
		for u := range updates {
			switch u.Kind {
			case client.UpdateAdded:
				if turn, ok := acc.Turn(u.TurnID); ok && turn.Role == client.RoleAssistant && !started {
					fmt.Fprint(out, "buddy> ")
					started = true
				}
			case client.UpdateAppended:
				fmt.Fprint(out, u.Delta)
			case client.UpdateReplaced:
				fmt.Fprintf(out, "\n%s", u.Delta)
			case client.UpdateFinalized:
				fmt.Fprintln(out)
			}
		}
	}()

	ctx, cancel := withTimeout(cmd, v)
	err := session.Send(ctx, text)
	cancel()
	acc.Close()
	<-rendered

	if id := acc.ConversationID(); id != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "[conversation %s]\n", id)
	}
	return err
}

func newListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(v)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, v)
			defer cancel()

			conversations, err := c.ListConversations(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(conversations) == 0 {
				fmt.Fprintln(out, "no conversations")
				return nil
			}
			for _, conv := range conversations {
				last := ""
				if conv.LastMessage != nil {
					last = truncate(*conv.LastMessage, 60)
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", conv.ID, conv.UpdatedAt.Local().Format(time.DateTime), conv.Title, last)
			}
			return nil
		},
	}
}

func newHistoryCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print the messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(v)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, v)
			defer cancel()

			messages, err := c.Messages(ctx, args[0])
			if err != nil {
				return err
			}
			for _, m := range messages {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", m.CreatedAt.Local().Format(time.DateTime), m.Role, m.Content)
			}
			return nil
		},
	}
}

func newDeleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(v)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, v)
			defer cancel()

			if err := c.DeleteConversation(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
