package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wx0x0011/Link-Hover-Preview/internal/linkring"
)

func newRoot() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "linkring",
		Short:         "linkring: URL reputation rings for hovered links",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("LINKRING_CONFIG", "./linkring.yaml"), "path to linkring.yaml")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newCheckCmd(&configPath))
	cmd.AddCommand(newKeyCmd(&configPath))
	cmd.AddCommand(newThresholdsCmd(&configPath))
	return cmd
}

// openCredentials always opens the leveldb settings store; a configured key
// is pinned on top of it so thresholds still come from the store.
func openCredentials(cfg linkring.Config) (linkring.SettingsStore, func(), error) {
	st, err := linkring.OpenLevelStore(cfg.Credentials.Path)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { _ = st.Close() }
	if cfg.Credentials.APIKey != "" {
		return linkring.PinnedKeyStore{Key: linkring.StaticCredentials(cfg.Credentials.APIKey), Store: st}, closeFn, nil
	}
	return st, closeFn, nil
}

func openSettings(configPath string) (*linkring.LevelStore, error) {
	cfg, err := linkring.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return linkring.OpenLevelStore(cfg.Credentials.Path)
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the message gateway for the extension",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := linkring.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			creds, closeCreds, err := openCredentials(cfg)
			if err != nil {
				return err
			}
			defer closeCreds()

			coord := linkring.NewCoordinator(linkring.NewClient(cfg.ClientConfig()), creds, cfg.CoordinatorOptions()...)
			defer coord.Close()

			addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}

			srv := &http.Server{
				Handler:           linkring.NewGateway(coord, creds, cfg.Server.AllowOrigin).Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Printf("linkring listening on %s, upstream=%s", addr, cfg.Upstream.BaseURL)
			return runServer(ctx, srv, ln)
		},
	}
}

// runServer serves until ctx ends, then shuts down gracefully. It returns
// early with the error if Serve itself fails.
func runServer(ctx context.Context, srv *http.Server, ln net.Listener) error {
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check <url>",
		Short: "Check one URL and print the outcome as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := linkring.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			creds, closeCreds, err := openCredentials(cfg)
			if err != nil {
				return err
			}
			defer closeCreds()

			coord := linkring.NewCoordinator(linkring.NewClient(cfg.ClientConfig()), creds, cfg.CoordinatorOptions()...)
			defer coord.Close()

			out := coord.Check(cmd.Context(), args[0])
			th, err := creds.Thresholds(cmd.Context())
			if err != nil {
				th = linkring.DefaultThresholds()
			}
			return printJSON(cmd.OutOrStdout(), linkring.NewCheckResponse(out, th))
		},
	}
}

func newKeyCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the stored reputation-service API key (stop serve first)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <api-key>",
		Short: "Store the API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openSettings(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.SetAPIKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "saved")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove the API key, disabling checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openSettings(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.SetAPIKey(cmd.Context(), ""); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cleared; reputation checks are disabled")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show whether a key is stored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openSettings(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()
			key, err := st.APIKey(cmd.Context())
			if err != nil {
				return err
			}
			if key == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "no key stored; reputation checks are disabled")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key stored (%d chars)\n", len(key))
			return nil
		},
	})

	return cmd
}

func newThresholdsCmd(configPath *string) *cobra.Command {
	def := linkring.DefaultThresholds()
	var t linkring.Thresholds
	cmd := &cobra.Command{
		Use:   "thresholds",
		Short: "Set the ring colour thresholds (stop serve first)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openSettings(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.SetThresholds(cmd.Context(), t); err != nil {
				return err
			}
			saved, err := st.Thresholds(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), saved)
		},
	}
	cmd.Flags().IntVar(&t.MaliciousRed, "malicious-red", def.MaliciousRed, "malicious count that turns the ring red")
	cmd.Flags().IntVar(&t.SuspiciousYellow, "suspicious-yellow", def.SuspiciousYellow, "suspicious count that turns the ring yellow")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
