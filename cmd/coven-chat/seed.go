// ABOUTME: seed subcommand that creates directory participants for development
// ABOUTME: Prints each new reference and, when a JWT secret is configured, a token

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/gateway"
	"github.com/2389/coven-chat/internal/participant"
)

// seedEntry is one participant to create. detail is an email for users and
// admins and a description for assistants.
type seedEntry struct {
	kind   participant.Kind
	name   string
	detail string
}

func newSeedCmd() *cobra.Command {
	var (
		users, admins, assistants []string
		tokens                    bool
		ttl                       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create users, admins and assistants",
		Long: `Create directory participants. Each value is NAME or NAME=DETAIL, where
DETAIL is the email for users and admins and the description for assistants.`,
		Example: `  coven-chat seed --user "Ursula=ursula@example.com" --assistant "Helper=General help"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var entries []seedEntry
			entries = appendSeedEntries(entries, participant.KindUser, users)
			entries = appendSeedEntries(entries, participant.KindAdmin, admins)
			entries = appendSeedEntries(entries, participant.KindAssistant, assistants)
			if len(entries) == 0 {
				return fmt.Errorf("nothing to seed: pass --user, --admin or --assistant")
			}
			return runSeed(cmd.Context(), entries, tokens, ttl)
		},
	}
	cmd.Flags().StringArrayVar(&users, "user", nil, "user to create (repeatable)")
	cmd.Flags().StringArrayVar(&admins, "admin", nil, "admin to create (repeatable)")
	cmd.Flags().StringArrayVar(&assistants, "assistant", nil, "assistant to create (repeatable)")
	cmd.Flags().BoolVar(&tokens, "tokens", true, "print a bearer token for each participant")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "lifetime of printed tokens")
	return cmd
}

func appendSeedEntries(entries []seedEntry, kind participant.Kind, values []string) []seedEntry {
	for _, v := range values {
		name, detail, _ := strings.Cut(v, "=")
		entries = append(entries, seedEntry{
			kind:   kind,
			name:   strings.TrimSpace(name),
			detail: strings.TrimSpace(detail),
		})
	}
	return entries
}

func runSeed(ctx context.Context, entries []seedEntry, tokens bool, ttl time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var verifier *auth.JWTVerifier
	if tokens && cfg.Auth.JWTSecret != "" {
		verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return err
		}
	}

	st, err := gateway.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	for _, e := range entries {
		if e.name == "" {
			return fmt.Errorf("%s name cannot be empty", e.kind)
		}
		ref, err := st.CreateParticipant(ctx, e.kind, e.name, e.detail)
		if err != nil {
			return fmt.Errorf("creating %s %q: %w", e.kind, e.name, err)
		}

		green.Print("✓ ")
		fmt.Printf("%-14s %s\n", ref, e.name)
		if verifier != nil {
			token, err := verifier.Generate(ref, ttl)
			if err != nil {
				return fmt.Errorf("generating token for %s: %w", ref, err)
			}
			gray.Printf("  token: %s\n", token)
		}
	}

	if tokens && verifier == nil {
		color.Yellow("auth.jwt_secret is not configured; no tokens printed")
	}
	return nil
}
