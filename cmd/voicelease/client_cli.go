package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/voicelease/api"
	vlclient "pkt.systems/voicelease/client"
	"pkt.systems/voicelease/internal/svcfields"
)

const (
	clientServerKey     = "client.server"
	clientTimeoutKey    = "client.timeout"
	clientAdminTokenKey = "client.admin_token"
	clientBearerKey     = "client.bearer_token"
	clientLogLevelKey   = "client.log_level"
	clientOutputKey     = "client.output"

	envLeaseID    = "VOICELEASE_LEASE_ID"
	envUserID     = "VOICELEASE_USER_ID"
	envExpires    = "VOICELEASE_EXPIRES_UNIX"
	envServerURL  = "VOICELEASE_SERVER"
	envRetryAfter = "VOICELEASE_RETRY_AFTER"
	envPosition   = "VOICELEASE_QUEUE_POSITION"

	defaultServerURL = "http://127.0.0.1:8787"
)

type outputMode string

const (
	outputText outputMode = "text"
	outputJSON outputMode = "json"
)

type clientCLIConfig struct {
	loaded     bool
	server     string
	timeout    time.Duration
	adminToken string
	bearer     string
	output     outputMode
	logger     pslog.Logger
}

func newClientCommand() *cobra.Command {
	cfg := &clientCLIConfig{}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interact with a running voicelease server",
	}

	flags := cmd.PersistentFlags()
	flags.String("server", defaultServerURL, "voicelease server base URL")
	flags.Duration("timeout", vlclient.DefaultTimeout, "HTTP client timeout")
	flags.String("admin-token", "", "admin token for force-end-all and the all-users event stream")
	flags.String("bearer-token", "", "signed identity token; its subject replaces --user on claims")
	flags.String("log-level", "none", "client log level (trace|debug|info|warn|error|none)")
	flags.StringP("output", "o", string(outputText), "output format (text|json)")

	mustBindFlag(clientServerKey, "VOICELEASE_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(clientTimeoutKey, "VOICELEASE_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientAdminTokenKey, "VOICELEASE_CLIENT_ADMIN_TOKEN", flags.Lookup("admin-token"))
	mustBindFlag(clientBearerKey, "VOICELEASE_CLIENT_BEARER_TOKEN", flags.Lookup("bearer-token"))
	mustBindFlag(clientLogLevelKey, "VOICELEASE_CLIENT_LOG_LEVEL", flags.Lookup("log-level"))
	mustBindFlag(clientOutputKey, "VOICELEASE_CLIENT_OUTPUT", flags.Lookup("output"))

	cmd.AddCommand(
		newClientClaimCommand(cfg),
		newClientReleaseCommand(cfg),
		newClientEndCommand(cfg),
		newClientStatsCommand(cfg),
		newClientInfoCommand(cfg),
		newClientPositionCommand(cfg),
		newClientCancelCommand(cfg),
		newClientForceEndAllCommand(cfg),
		newClientWaitCommand(cfg),
		newClientEventsCommand(cfg),
		newClientLastEventCommand(cfg),
	)
	return cmd
}

func (c *clientCLIConfig) load() error {
	if c.loaded {
		return nil
	}
	c.server = strings.TrimSpace(viper.GetString(clientServerKey))
	if c.server == "" {
		c.server = defaultServerURL
	}
	c.timeout = viper.GetDuration(clientTimeoutKey)
	if c.timeout <= 0 {
		c.timeout = vlclient.DefaultTimeout
	}
	c.adminToken = strings.TrimSpace(viper.GetString(clientAdminTokenKey))
	c.bearer = strings.TrimSpace(viper.GetString(clientBearerKey))
	switch mode := outputMode(strings.ToLower(strings.TrimSpace(viper.GetString(clientOutputKey)))); mode {
	case "", outputText:
		c.output = outputText
	case outputJSON:
		c.output = outputJSON
	default:
		return fmt.Errorf("invalid output %q (want text or json)", mode)
	}
	if err := c.setupLogger(viper.GetString(clientLogLevelKey)); err != nil {
		return err
	}
	c.loaded = true
	return nil
}

func (c *clientCLIConfig) setupLogger(raw string) error {
	levelStr := strings.ToLower(strings.TrimSpace(raw))
	if levelStr == "" || levelStr == "none" || levelStr == "off" || levelStr == "disabled" {
		c.logger = nil
		return nil
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return fmt.Errorf("invalid client log level %q", raw)
	}
	if level == pslog.NoLevel || level == pslog.Disabled {
		c.logger = nil
		return nil
	}
	c.logger = svcfields.WithSubsystem(pslog.NewStructured(os.Stderr), "client.cli").LogLevel(level)
	return nil
}

func (c *clientCLIConfig) client() (*vlclient.Client, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	opts := []vlclient.Option{
		vlclient.WithTimeout(c.timeout),
		vlclient.WithAdminToken(c.adminToken),
		vlclient.WithBearerToken(c.bearer),
	}
	if c.logger != nil {
		opts = append(opts, vlclient.WithLogger(c.logger))
	}
	return vlclient.New(c.server, opts...)
}

func resolveFlagOrEnv(flagValue, env, what, flagName string) (string, error) {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%s required (specify --%s or export %s)", what, flagName, env)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type export struct {
	name  string
	value string
}

func writeExports(w io.Writer, exports []export) {
	for _, ex := range exports {
		fmt.Fprintf(w, "export %s=%q\n", ex.name, ex.value)
	}
}

// errRejected signals a claim that was queued or cooled down.
var errRejected = errors.New("claim rejected")

func newClientClaimCommand(cfg *clientCLIConfig) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the voice slot for a user",
		Example: `  # Claim and export the lease into the shell
  eval "$(voicelease client claim --user alice)"`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			userID, err := resolveFlagOrEnv(user, envUserID, "user", "user")
			if err != nil && cfg.bearer == "" {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			out, err := cli.Claim(cmd.Context(), userID)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if cfg.output == outputJSON {
				if out.Granted {
					return writeJSON(w, out.Lease)
				}
				if err := writeJSON(w, out.Queued); err != nil {
					return err
				}
				return errRejected
			}
			if out.Granted {
				writeExports(w, []export{
					{envLeaseID, out.Lease.LeaseID},
					{envUserID, userID},
					{envExpires, strconv.FormatInt(out.Lease.ExpiresAt, 10)},
					{envServerURL, cfg.server},
				})
				return nil
			}
			exports := []export{{envRetryAfter, strconv.FormatInt(int64(out.RetryAfter/time.Second), 10)}}
			if out.Queued.Position > 0 {
				exports = append(exports, export{envPosition, strconv.Itoa(out.Queued.Position)})
			}
			writeExports(w, exports)
			return fmt.Errorf("%w (%s): %s", errRejected, out.Queued.Reason, out.Queued.Message)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id (defaults to $"+envUserID+")")
	return cmd
}

func newClientReleaseCommand(cfg *clientCLIConfig) *cobra.Command {
	var lease, reason string
	cmd := &cobra.Command{
		Use:          "release",
		Short:        "Release a lease",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			leaseID, err := resolveFlagOrEnv(lease, envLeaseID, "lease id", "lease")
			if err != nil {
				return err
			}
			r, ok := api.ParseReleaseReason(reason)
			if !ok {
				return fmt.Errorf("invalid reason %q", reason)
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			res, err := cli.Release(cmd.Context(), leaseID, r)
			if err != nil {
				return err
			}
			return writeRelease(cmd.OutOrStdout(), cfg.output, res)
		},
	}
	cmd.Flags().StringVarP(&lease, "lease", "l", "", "lease id (defaults to $"+envLeaseID+")")
	cmd.Flags().StringVar(&reason, "reason", string(api.ReasonUserDisconnect), "release reason (user_disconnect|time_expired|admin_stop)")
	return cmd
}

func newClientEndCommand(cfg *clientCLIConfig) *cobra.Command {
	var lease string
	cmd := &cobra.Command{
		Use:          "end",
		Short:        "End a lease through the beacon path",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			leaseID, err := resolveFlagOrEnv(lease, envLeaseID, "lease id", "lease")
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			res, err := cli.End(cmd.Context(), leaseID)
			if err != nil {
				return err
			}
			return writeRelease(cmd.OutOrStdout(), cfg.output, res)
		},
	}
	cmd.Flags().StringVarP(&lease, "lease", "l", "", "lease id (defaults to $"+envLeaseID+")")
	return cmd
}

func writeRelease(w io.Writer, mode outputMode, res *api.ReleaseResponse) error {
	if mode == outputJSON {
		return writeJSON(w, res)
	}
	if !res.Released {
		_, err := fmt.Fprintf(w, "lease %s was not active\n", res.LeaseID)
		return err
	}
	_, err := fmt.Fprintf(w, "released %s (%s)\n", res.LeaseID, res.Reason)
	return err
}

func newClientStatsCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:          "stats",
		Short:        "Show the admission snapshot",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			stats, err := cli.Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if cfg.output == outputJSON {
				return writeJSON(w, stats)
			}
			fmt.Fprintf(w, "active sessions: %d/%d\n", stats.ActiveSessions, stats.MaxConcurrent)
			fmt.Fprintf(w, "queue length:    %d\n", stats.QueueLength)
			fmt.Fprintf(w, "cooling down:    %d\n", stats.CooldownUsers)
			if stats.TimeSinceLastSessionEnd > 0 {
				ended := time.Now().Add(-time.Duration(stats.TimeSinceLastSessionEnd) * time.Millisecond)
				fmt.Fprintf(w, "last session:    ended %s\n", humanize.Time(ended))
			}
			return nil
		},
	}
}

func newClientInfoCommand(cfg *clientCLIConfig) *cobra.Command {
	var lease string
	cmd := &cobra.Command{
		Use:          "info",
		Short:        "Describe an active lease",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			leaseID, err := resolveFlagOrEnv(lease, envLeaseID, "lease id", "lease")
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			info, err := cli.SessionInfo(cmd.Context(), leaseID)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if cfg.output == outputJSON {
				return writeJSON(w, info)
			}
			fmt.Fprintf(w, "lease:     %s\n", info.LeaseID)
			fmt.Fprintf(w, "user:      %s\n", info.UserID)
			fmt.Fprintf(w, "started:   %s\n", humanize.Time(time.Unix(info.StartedAt, 0)))
			fmt.Fprintf(w, "expires:   %s\n", humanize.Time(time.Unix(info.ExpiresAt, 0)))
			fmt.Fprintf(w, "remaining: %s\n", time.Duration(info.RemainingSeconds)*time.Second)
			return nil
		},
	}
	cmd.Flags().StringVarP(&lease, "lease", "l", "", "lease id (defaults to $"+envLeaseID+")")
	return cmd
}

func newClientPositionCommand(cfg *clientCLIConfig) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:          "position",
		Short:        "Show the queue position of a user",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := resolveFlagOrEnv(user, envUserID, "user", "user")
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			pos, err := cli.Position(cmd.Context(), userID)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if cfg.output == outputJSON {
				return writeJSON(w, pos)
			}
			_, err = fmt.Fprintf(w, "%s is %s in line, joined %s, about %d min to wait\n",
				pos.UserID, humanize.Ordinal(pos.Position), humanize.Time(time.Unix(pos.JoinedAt, 0)), pos.EstimatedWait)
			return err
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id (defaults to $"+envUserID+")")
	return cmd
}

func newClientCancelCommand(cfg *clientCLIConfig) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:          "cancel",
		Short:        "Leave the wait queue",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := resolveFlagOrEnv(user, envUserID, "user", "user")
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			res, err := cli.CancelQueue(cmd.Context(), userID)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if cfg.output == outputJSON {
				return writeJSON(w, res)
			}
			if !res.Cancelled {
				_, err = fmt.Fprintf(w, "%s was not queued\n", res.UserID)
				return err
			}
			_, err = fmt.Fprintf(w, "%s left the queue\n", res.UserID)
			return err
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id (defaults to $"+envUserID+")")
	return cmd
}

func newClientForceEndAllCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:          "force-end-all",
		Short:        "End every session and clear the queue (requires --admin-token)",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			res, err := cli.ForceEndAll(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if cfg.output == outputJSON {
				return writeJSON(w, res)
			}
			_, err = fmt.Fprintf(w, "ended %d session(s), cleared %d queue entr%s\n", res.Released, res.Cleared, plural(res.Cleared, "y", "ies"))
			return err
		},
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func newClientWaitCommand(cfg *clientCLIConfig) *cobra.Command {
	var user string
	var hold bool
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Queue for the slot and claim it as soon as it is free",
		Example: `  # Wait for the slot, export the lease and leave it running
  eval "$(voicelease client wait --user alice)"

  # Wait, hold the session until interrupted, then release it
  voicelease client wait --user alice --hold`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := resolveFlagOrEnv(user, envUserID, "user", "user")
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			errOut := cmd.ErrOrStderr()
			granted := make(chan api.ClaimResponse, 1)
			opts := []vlclient.PollerOption{
				vlclient.WithOnGranted(func(lease api.ClaimResponse) { granted <- lease }),
				vlclient.WithOnQueued(func(q api.QueuedResponse) {
					fmt.Fprintf(errOut, "%s\n", q.Message)
				}),
			}
			if cfg.logger != nil {
				opts = append(opts, vlclient.WithPollerLogger(cfg.logger))
			}
			poller, err := vlclient.NewPoller(cli, userID, opts...)
			if err != nil {
				return err
			}
			if _, err := poller.Start(ctx); err != nil {
				return err
			}
			disconnect := func() error {
				releaseCtx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
				defer cancel()
				return poller.Disconnect(releaseCtx, api.ReasonUserDisconnect)
			}
			var lease api.ClaimResponse
			select {
			case lease = <-granted:
			case <-ctx.Done():
				_ = disconnect()
				return ctx.Err()
			}
			w := cmd.OutOrStdout()
			if cfg.output == outputJSON {
				if err := writeJSON(w, lease); err != nil {
					return err
				}
			} else {
				writeExports(w, []export{
					{envLeaseID, lease.LeaseID},
					{envUserID, userID},
					{envExpires, strconv.FormatInt(lease.ExpiresAt, 10)},
					{envServerURL, cfg.server},
				})
			}
			if !hold {
				return nil
			}
			fmt.Fprintf(errOut, "holding %s until interrupted\n", lease.LeaseID)
			<-ctx.Done()
			return disconnect()
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id (defaults to $"+envUserID+")")
	cmd.Flags().BoolVar(&hold, "hold", false, "keep the session until interrupted, then release it")
	return cmd
}

func newClientEventsCommand(cfg *clientCLIConfig) *cobra.Command {
	var user string
	var count int
	cmd := &cobra.Command{
		Use:          "events",
		Short:        "Stream lifecycle events (all users when --user is empty; needs --admin-token)",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			stream, err := cli.Events(ctx, strings.TrimSpace(user))
			if err != nil {
				return err
			}
			defer stream.Close()
			w := cmd.OutOrStdout()
			for seen := 0; count <= 0 || seen < count; seen++ {
				ev, err := stream.Next(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				if err := writeEvent(w, cfg.output, ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "only stream events for this user")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many events (0 streams until interrupted)")
	return cmd
}

func writeEvent(w io.Writer, mode outputMode, ev api.Event) error {
	if mode == outputJSON {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}
	_, err := fmt.Fprintf(w, "%s %-22s %-12s %s\n", ev.At.Format(time.RFC3339), ev.Kind, ev.UserID, ev.Message)
	return err
}

func newClientLastEventCommand(cfg *clientCLIConfig) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:          "last-event",
		Short:        "Show the most recent event recorded for a user",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := resolveFlagOrEnv(user, envUserID, "user", "user")
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ev, err := cli.LastEvent(cmd.Context(), userID)
			if err != nil {
				return err
			}
			return writeEvent(cmd.OutOrStdout(), cfg.output, *ev)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id (defaults to $"+envUserID+")")
	return cmd
}
