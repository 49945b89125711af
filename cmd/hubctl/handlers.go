package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/auth"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/httpserver"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/postgres"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/redis"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/platform/config"
)

const minSecretLength = 32

type storeOptions struct {
	provider    string
	redisURL    string
	databaseURL string
}

type publishOptions struct {
	channel  string
	identity string
	text     string
	store    storeOptions
}

// chatBody is the payload shape hub clients send in chat frames.
type chatBody struct {
	Text string `json:"text"`
}

// openProcessor connects to the configured store. Metrics are not collected
// for a one-shot command.
func openProcessor(ctx context.Context, opts storeOptions) (domain.MessageProcessor, func(), error) {
	clock := clockwork.NewRealClock()

	switch opts.provider {
	case config.ProviderRedis:
		if opts.redisURL == "" {
			return nil, nil, errors.New("--redis-url is required for the redis provider")
		}
		client, err := redis.NewClient(ctx, opts.redisURL, nil)
		if err != nil {
			return nil, nil, err
		}
		return redis.NewStore(client, clock), func() { _ = client.Close() }, nil

	case config.ProviderPostgres:
		if opts.databaseURL == "" {
			return nil, nil, errors.New("--database-url is required for the postgres provider")
		}
		pool, err := postgres.Connect(ctx, opts.databaseURL, nil)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return postgres.NewStore(pool, clock), pool.Close, nil

	case config.ProviderMemory:
		return nil, nil, errors.New("the memory provider lives inside a hub process and cannot be published to")

	default:
		return nil, nil, fmt.Errorf("unknown provider %q", opts.provider)
	}
}

func runPublish(ctx context.Context, out io.Writer, opts publishOptions) error {
	channel := strings.TrimSpace(opts.channel)
	if channel == "" {
		return domain.ErrInvalidChannel
	}

	body, err := json.Marshal(chatBody{Text: opts.text})
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}

	processor, closeStore, err := openProcessor(ctx, opts.store)
	if err != nil {
		return err
	}
	defer closeStore()

	msg, err := processor.SubmitChat(ctx, domain.ChatMessage{
		Channel: channel,
		Sender:  opts.identity,
		Body:    body,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Published %s to %s at %s\n", msg.ID, msg.Channel, msg.CreatedAt.Format(time.RFC3339))
	return nil
}

func runFeeds(ctx context.Context, out io.Writer, baseURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/debug/feeds", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch diagnostics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch diagnostics: unexpected status %s", resp.Status)
	}

	var diag httpserver.FeedsResponse
	if err := json.NewDecoder(resp.Body).Decode(&diag); err != nil {
		return fmt.Errorf("decode diagnostics: %w", err)
	}
	printFeeds(out, diag)
	return nil
}

func printFeeds(out io.Writer, diag httpserver.FeedsResponse) {
	support := "supported"
	if !diag.Support.Supported {
		support = "unsupported (" + diag.Support.Reason + ")"
	}
	fmt.Fprintf(out, "Provider:    %s, %s\n", diag.Support.Provider, support)
	fmt.Fprintf(out, "Draining:    %t\n", diag.Draining)
	fmt.Fprintf(out, "Connections: %d open, %d rejected\n", diag.Connections.Open, diag.Connections.Rejected)
	fmt.Fprintln(out)

	if len(diag.Feeds) == 0 {
		fmt.Fprintln(out, "No tracked feeds")
	}
	for _, f := range diag.Feeds {
		line := fmt.Sprintf("  %-24s %-8s attempts=%d", f.Channel, f.Status, f.Attempts)
		if f.LastError != "" {
			line += " error=" + f.LastError
		}
		fmt.Fprintln(out, line)
	}

	if diag.Audit != nil {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Last audit %s: %d feeds checked, %d findings\n",
			diag.Audit.CheckedAt.Format(time.RFC3339), diag.Audit.Checked, len(diag.Audit.Findings))
		for _, f := range diag.Audit.Findings {
			fmt.Fprintf(out, "  %-24s %s\n", f.Channel, f.Problem)
		}
	}

	if len(diag.Instances) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Hub instances")
		for _, inst := range diag.Instances {
			fmt.Fprintf(out, "  %s %s last seen %s\n", inst.InstanceID, inst.Version, inst.LastSeen.Format(time.RFC3339))
		}
	}
}

func runReceipts(ctx context.Context, out io.Writer, baseURL, recipient string, timeout time.Duration) error {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return errors.New("recipient must not be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := strings.TrimRight(baseURL, "/") + "/debug/receipts/" + url.PathEscape(recipient)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch receipts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch receipts: unexpected status %s", resp.Status)
	}

	var receipts []domain.ReadReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipts); err != nil {
		return fmt.Errorf("decode receipts: %w", err)
	}

	if len(receipts) == 0 {
		fmt.Fprintf(out, "No read receipts for %s\n", recipient)
		return nil
	}
	for _, r := range receipts {
		fmt.Fprintf(out, "  %-24s read by %-16s at %s\n", r.MessageID, r.Reader, r.ReadAt.Format(time.RFC3339))
	}
	return nil
}

func runToken(out io.Writer, secret, identity string, ttl time.Duration) error {
	if len(secret) < minSecretLength {
		return fmt.Errorf("secret must be at least %d characters", minSecretLength)
	}
	token, err := auth.NewJWTAuthenticator(secret, clockwork.NewRealClock()).Issue(identity, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}
