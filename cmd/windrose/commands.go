// commands.go contains the cobra command definitions; handlers.go holds
// the implementations they delegate to.
package main

import (
	"strings"

	"github.com/spf13/cobra"
)

func buildLoginCmd() *cobra.Command {
	var access, refresh string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a credential pair for the transport to use",
		Long: `Store an access/refresh token pair obtained from the authentication
flow. The pair is written atomically to the configured credentials
path; the transport refreshes it automatically before expiry.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, access, refresh)
		},
	}
	cmd.Flags().StringVar(&access, "access", "", "Access token (JWT)")
	cmd.Flags().StringVar(&refresh, "refresh", "", "Refresh token")
	_ = cmd.MarkFlagRequired("access")
	_ = cmd.MarkFlagRequired("refresh")
	addConfigFlag(cmd)
	return cmd
}

func buildLogoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored credential pair",
		RunE:  runLogout,
	}
	addConfigFlag(cmd)
	return cmd
}

func buildChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <conversation-id>",
		Short: "Connect to a conversation and chat interactively",
		Long: `Open the real-time connection for a conversation. Inbound messages,
typing indicators, and read receipts print to stdout; lines typed on
stdin are sent as messages. Messages composed while the connection is
down are queued durably and replayed on reconnect.`,
		Example: `  windrose chat conv-123
  windrose chat conv-123 --config prod.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, args[0])
		},
	}
	addConfigFlag(cmd)
	return cmd
}

func buildSendCmd() *cobra.Command {
	var replyTo string
	cmd := &cobra.Command{
		Use:   "send <conversation-id> <message...>",
		Short: "Send one message, queuing it if the backend is unreachable",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, args[0], strings.Join(args[1:], " "), replyTo)
		},
	}
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "Message ID to reply to")
	addConfigFlag(cmd)
	return cmd
}

func buildTailCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tail <conversation-id>",
		Short: "Print recent message history for a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd, args[0], limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum messages to fetch")
	addConfigFlag(cmd)
	return cmd
}

func buildQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the durable offline queue",
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List queued messages in delivery order",
		RunE:  runQueueList,
	}
	addConfigFlag(ls)

	drain := &cobra.Command{
		Use:   "drain",
		Short: "Replay queued messages over REST now",
		RunE:  runQueueDrain,
	}
	addConfigFlag(drain)

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Discard every queued message",
		RunE:  runQueueClear,
	}
	addConfigFlag(clear)

	cmd.AddCommand(ls, drain, clear)
	return cmd
}

func buildStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration, credential, and queue status",
		RunE:  runStatus,
	}
	addConfigFlag(cmd)
	return cmd
}

func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", "", "Path to YAML configuration file (default windrose.yaml)")
}
