package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/natemellendorf/relaychat/internal/auth"
	"github.com/natemellendorf/relaychat/internal/config"
	"github.com/natemellendorf/relaychat/internal/localstore"
	"github.com/natemellendorf/relaychat/internal/model"
	"github.com/natemellendorf/relaychat/internal/relayclient"
	"github.com/natemellendorf/relaychat/internal/syncengine"
	"github.com/natemellendorf/relaychat/internal/transport"
)

const (
	envPrefix = "RELAYLINK"

	relayFlag    = "relay"
	tokenFlag    = "token"
	dbFlag       = "db"
	logLevelFlag = "log-level"
	logFileFlag  = "log-file"

	toFlag          = "to"
	contentFlag     = "content"
	contentFileFlag = "content-file"
	peerFlag        = "peer"
	limitFlag       = "limit"
)

func main() {
	config.LoadDotEnv()
	if err := newRootCmd(newViper()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relaylink",
		Short:         "Command line client for the chat relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.InitLog(v.GetString(logLevelFlag), v.GetString(logFileFlag))
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(relayFlag, "http://localhost:8080", "Relay base URL")
	flags.String(tokenFlag, "", "Bearer token (env RELAYLINK_TOKEN)")
	flags.String(dbFlag, "./relaylink.db", "Local message database")
	flags.String(logLevelFlag, "warn", "Log level: trace, debug, info, warn, error")
	flags.String(logFileFlag, "-", "Log output path (- is stdout)")
	config.Bind(v, cmd, relayFlag, tokenFlag, dbFlag, logLevelFlag, logFileFlag)

	cmd.AddCommand(
		newSendCmd(v),
		newListenCmd(v),
		newFlushCmd(v),
		newHistoryCmd(v),
		newPendingCmd(v),
		newStatsCmd(v),
		newCleanupCmd(v),
	)
	return cmd
}

// session bundles what the client side needs for one identity.
type session struct {
	identity string
	local    *localstore.Store
	engine   *syncengine.Engine
}

func openSession(v *viper.Viper) (*session, error) {
	token := v.GetString(tokenFlag)
	if token == "" {
		return nil, errors.Errorf("--%s is required (env %s_TOKEN)", tokenFlag, envPrefix)
	}
	identity, err := auth.Subject(token)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read identity from token")
	}

	local, err := localstore.Open(v.GetString(dbFlag))
	if err != nil {
		return nil, err
	}

	api := relayclient.New(v.GetString(relayFlag), token)
	return &session{
		identity: identity,
		local:    local,
		engine:   syncengine.New(local, api, syncengine.DefaultOptions(identity)),
	}, nil
}

func (s *session) Close() error {
	return s.local.Close()
}

func newSendCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Store a message locally and send it to the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			to, _ := cmd.Flags().GetString(toFlag)
			content, _ := cmd.Flags().GetString(contentFlag)
			contentFile, _ := cmd.Flags().GetString(contentFileFlag)
			if to == "" {
				return errors.Errorf("--%s is required", toFlag)
			}
			if contentFile != "" {
				raw, err := os.ReadFile(contentFile)
				if err != nil {
					return errors.Wrap(err, "read content file")
				}
				content = string(raw)
			}

			s, err := openSession(v)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, s.Close()) }()

			msg, err := s.engine.Send(cmd.Context(), to, model.Payload{EncryptedContent: content})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), msg)
		},
	}
	cmd.Flags().String(toFlag, "", "Recipient identity")
	cmd.Flags().String(contentFlag, "", "Encrypted content (opaque to the relay)")
	cmd.Flags().String(contentFileFlag, "", "Read encrypted content from a file")
	return cmd
}

func newListenCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Stay connected, store incoming messages and retry unsent ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := openSession(v)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, s.Close()) }()

			conn, err := transport.New(strings.TrimRight(v.GetString(relayFlag), "/")+"/ws",
				v.GetString(tokenFlag), s.engine, transport.Options{})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			jww.INFO.Printf("sync: listening as %s", s.identity)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				s.engine.Run(gctx)
				return nil
			})
			g.Go(func() error {
				return conn.Run(gctx)
			})
			g.Go(func() error {
				out := cmd.OutOrStdout()
				for {
					select {
					case <-gctx.Done():
						return nil
					case ev := <-s.engine.Events():
						if err := printEvent(out, ev); err != nil {
							return err
						}
					}
				}
			})
			return g.Wait()
		},
	}
}

func newFlushCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Resend every message the relay has not confirmed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := openSession(v)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, s.Close()) }()

			remaining, err := s.engine.RetryUnsynced(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"unsynced": remaining})
		},
	}
}

func newHistoryCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the local conversation with a peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			peer, _ := cmd.Flags().GetString(peerFlag)
			limit, _ := cmd.Flags().GetInt(limitFlag)
			if peer == "" {
				return errors.Errorf("--%s is required", peerFlag)
			}

			local, err := localstore.Open(v.GetString(dbFlag))
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, local.Close()) }()

			msgs, err := local.ListConversation(cmd.Context(), peer, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), msgs)
		},
	}
	cmd.Flags().String(peerFlag, "", "Peer identity")
	cmd.Flags().Int(limitFlag, 50, "Most recent messages to show (0 for all)")
	return cmd
}

func newPendingCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List messages waiting on the relay without acknowledging them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(v)
			if err != nil {
				return err
			}
			msgs, err := api.Pending(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), msgs)
		},
	}
}

func newStatsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show relay queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(v)
			if err != nil {
				return err
			}
			stats, err := api.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func newCleanupCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Ask the relay to purge expired messages now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(v)
			if err != nil {
				return err
			}
			n, err := api.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"deleted_count": n})
		},
	}
}

func apiClient(v *viper.Viper) (*relayclient.Client, error) {
	token := v.GetString(tokenFlag)
	if token == "" {
		return nil, errors.Errorf("--%s is required (env %s_TOKEN)", tokenFlag, envPrefix)
	}
	return relayclient.New(v.GetString(relayFlag), token), nil
}

func printEvent(w io.Writer, ev syncengine.StatusEvent) error {
	entry := map[string]string{"message_id": ev.MessageID, "status": string(ev.Status)}
	if ev.Err != nil {
		entry["error"] = ev.Err.Error()
	}
	return printJSON(w, entry)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode output")
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
