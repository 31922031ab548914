package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/hima/hima-service/internal/api"
	"github.com/hima/hima-service/internal/app"
	"github.com/hima/hima-service/internal/domain"
	"github.com/hima/hima-service/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := connect(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			applied, err := store.Migrate(ctx, e.pool, e.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
			return nil
		},
	}
}

func kycCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kyc",
		Short: "Review rider identity checks",
	}
	cmd.PersistentFlags().String("as", "", "Reviewer recorded on the decision (default cli:$USER)")

	pending := &cobra.Command{
		Use:   "pending",
		Short: "List riders awaiting review",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := connect(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			users, err := app.NewKYCService(e.repo, nil, e.chat(), e.bus, e.logger).Pending(ctx, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PHONE\tNAME\tID NUMBER\tREGISTRATION\tID PHOTO\tSINCE")
			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					u.Phone, u.KYC.FullName, u.KYC.IDNumber, u.KYC.RegistrationNumber, u.KYC.IDPhotoRef,
					u.UpdatedAt.UTC().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	pending.Flags().IntP("limit", "n", 50, "Maximum riders to list")

	decide := func(use, short string, decision domain.KYCStatus) *cobra.Command {
		c := &cobra.Command{
			Use:   use + " <phone>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := commandContext(cmd)
				defer cancel()
				e, err := connect(ctx)
				if err != nil {
					return err
				}
				defer e.Close()

				reason, _ := cmd.Flags().GetString("reason")
				svc := app.NewKYCService(e.repo, nil, e.chat(), e.bus, e.logger)
				if err := svc.Review(ctx, args[0], decision, operator(cmd), reason); err != nil {
					if errors.Is(err, domain.ErrKYCNotPending) {
						return fmt.Errorf("%s is not awaiting review", args[0])
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s marked %s\n", args[0], decision)
				return nil
			},
		}
		c.Flags().StringP("reason", "r", "", "Reason shown to the rider (required to reject)")
		return c
	}

	cmd.AddCommand(pending)
	cmd.AddCommand(decide("approve", "Mark a rider's identity as verified", domain.KYCVerified))
	cmd.AddCommand(decide("reject", "Reject a rider's identity documents", domain.KYCRejected))
	return cmd
}

func claimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Inspect and adjudicate claims",
	}
	cmd.PersistentFlags().String("as", "", "Adjudicator recorded on the decision (default cli:$USER)")

	show := &cobra.Command{
		Use:   "show <claim-number>",
		Short: "Print a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := connect(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			claim, err := app.NewClaimService(e.repo, e.chat(), e.bus, e.logger).Get(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(claim)
		},
	}

	status := &cobra.Command{
		Use:   "status <claim-number> <under_review|approved|rejected|paid>",
		Short: "Move a claim to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := connect(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			note, _ := cmd.Flags().GetString("note")
			to := domain.ClaimStatus(strings.ToLower(args[1]))
			claim, err := app.NewClaimService(e.repo, e.chat(), e.bus, e.logger).UpdateStatus(ctx, args[0], to, note, operator(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", claim.ClaimNumber, claim.Status)
			return nil
		},
	}
	status.Flags().String("note", "", "Adjudication note shared with the rider")

	cmd.AddCommand(show, status)
	return cmd
}

func logsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print persisted activity entries as NDJSON, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			e, err := connect(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			category, _ := cmd.Flags().GetString("category")
			user, _ := cmd.Flags().GetString("user")
			limit, _ := cmd.Flags().GetInt("limit")
			entries, err := e.bus.History(ctx, domain.ActivityFilter{
				Category: domain.ActivityCategory(strings.ToUpper(category)),
				UserID:   app.NormalizePhone(user),
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, entry := range entries {
				if err := enc.Encode(entry); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringP("category", "c", "", "Filter by category (SYSTEM, WEBHOOK, BOT, CHAIN, PAYMENT, ADMIN)")
	cmd.Flags().StringP("user", "u", "", "Filter by rider phone")
	cmd.Flags().IntP("limit", "n", 100, "Maximum entries")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint an admin API token signed with ADMIN_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")
			signed, err := mintAdminToken(cfg.AdminJWTSecret, args[0], ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}

func mintAdminToken(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("ADMIN_JWT_SECRET is not set")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": api.AdminRole,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
