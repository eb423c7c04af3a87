// ABOUTME: Entry point for the coven-chat server and its operator commands
// ABOUTME: serve, listen, token, seed and health subcommands built on cobra

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/gateway"
	"github.com/2389/coven-chat/internal/participant"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                          _           _
  ___ _____   _____ _ __         ___| |__   __ _| |_
 / __/ _ \ \ / / _ \ '_ \ _____ / __| '_ \ / _' | __|
| (_| (_) \ V /  __/ | | |_____| (__| | | | (_| | |_
 \___\___/ \_/ \___|_| |_|      \___|_| |_|\__,_|\__|
`

var configPath string

func main() {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: reading .env: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "coven-chat",
		Short:         "Chat backend with private and group chats and an AI assistant bridge",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "path to the config file")

	rootCmd.AddCommand(
		newServeCmd(),
		newListenCmd(),
		newTokenCmd(),
		newSeedCmd(),
		newHealthCmd(),
	)
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, job workers and AI listener",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newListenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Run only the AI response listener and reply workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runListen(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Queue:     %s\n", cfg.Queue.Backend)
	green.Print("    ▶ ")
	fmt.Printf("Broadcast: %s\n", cfg.Broadcast.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Assistant: ")
	if cfg.AI.Enabled {
		cyan.Print(cfg.AI.ListenMode)
		gray.Printf(" (%s → %s)", cfg.AI.RequestsKey, cfg.AI.ResponsesKey)
	} else {
		yellow.Print("disabled")
	}
	fmt.Println()
	fmt.Println()

	logger.Info("starting coven-chat",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runListen(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	logger.Info("starting coven-chat listener",
		"config", configPath,
		"mode", cfg.AI.ListenMode,
		"responses_key", cfg.AI.ResponsesKey,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.RunListener(ctx)
}

func newTokenCmd() *cobra.Command {
	var (
		ref   string
		ttl   time.Duration
		check bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a participant",
		Example: `  coven-chat token --participant user:12
  coven-chat token --participant assistant:1 --ttl 8760h`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runToken(cmd.Context(), ref, ttl, check)
		},
	}
	cmd.Flags().StringVarP(&ref, "participant", "p", "", `participant reference in "kind:id" form`)
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&check, "check", true, "verify the participant exists before issuing")
	_ = cmd.MarkFlagRequired("participant")
	return cmd
}

func runToken(ctx context.Context, refStr string, ttl time.Duration, check bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	ref, err := participant.Parse(refStr)
	if err != nil {
		return err
	}
	if err := ref.Validate(); err != nil {
		return err
	}

	if check {
		st, err := gateway.OpenStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		if _, err := st.GetProfile(ctx, ref); err != nil {
			return fmt.Errorf("looking up %s: %w", ref, err)
		}
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}
	token, err := verifier.Generate(ref, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that a running server is ready",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHealth(cmd.Context())
		},
	}
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
