package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/platform/config"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/platform/version"
)

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hubctl",
		Short:         "Operate the realtime messaging hub",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(buildPublishCmd())
	root.AddCommand(buildFeedsCmd())
	root.AddCommand(buildReceiptsCmd())
	root.AddCommand(buildTokenCmd())
	return root
}

func buildPublishCmd() *cobra.Command {
	opts := publishOptions{
		store: storeOptions{
			provider:    envOr("FEED_PROVIDER", config.ProviderRedis),
			redisURL:    os.Getenv("REDIS_URL"),
			databaseURL: os.Getenv("DATABASE_URL"),
		},
	}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Write a chat message directly to the store",
		Long: `Persist a chat message through the store's write path, bypassing any hub.

Every hub with a subscriber on the channel sees the insert on its change feed
and fans it out. Only the redis and postgres providers can be targeted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.channel, "channel", "", "Channel to publish to")
	cmd.Flags().StringVar(&opts.identity, "identity", "", "Sender identity")
	cmd.Flags().StringVar(&opts.text, "text", "", "Message text")
	cmd.Flags().StringVar(&opts.store.provider, "provider", opts.store.provider, "Store provider (redis or postgres)")
	cmd.Flags().StringVar(&opts.store.redisURL, "redis-url", opts.store.redisURL, "Redis URL")
	cmd.Flags().StringVar(&opts.store.databaseURL, "database-url", opts.store.databaseURL, "PostgreSQL URL")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("identity")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func buildFeedsCmd() *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "feeds",
		Short: "Print change-feed diagnostics from a running hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFeeds(cmd.Context(), cmd.OutOrStdout(), url, timeout)
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080", "Base URL of the hub")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

func buildReceiptsCmd() *cobra.Command {
	var (
		url       string
		recipient string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "List the read receipts a running hub has stored for an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceipts(cmd.Context(), cmd.OutOrStdout(), url, recipient, timeout)
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080", "Base URL of the hub")
	cmd.Flags().StringVar(&recipient, "recipient", "", "Identity the receipts are addressed to")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	_ = cmd.MarkFlagRequired("recipient")
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var (
		identity string
		ttl      time.Duration
		secret   = os.Getenv("JWT_SECRET")
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a connect token for an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd.OutOrStdout(), secret, identity, ttl)
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "", "Identity to issue the token for")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime (0 for no expiry)")
	cmd.Flags().StringVar(&secret, "secret", secret, "HS256 signing secret")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
