package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lalithlochan/smsrelay/internal/db"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage message recipients",
	}

	var phone, tenant string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a recipient user linked to a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := uuid.Parse(tenant)
			if err != nil {
				return fmt.Errorf("invalid --tenant: %w", err)
			}
			return withRepo(cmd, func(ctx context.Context, repo *db.Repository) error {
				if _, err := repo.GetTenant(ctx, tenantID); err != nil {
					return err
				}
				u := &db.User{}
				if phone != "" {
					u.PhoneNumber = &phone
				}
				if err := repo.CreateUser(ctx, u); err != nil {
					return err
				}
				if err := repo.LinkTenantUser(ctx, tenantID, u.ID); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), u)
			})
		},
	}
	create.Flags().StringVar(&phone, "phone", "", "Phone number in E.164 form")
	create.Flags().StringVar(&tenant, "tenant", "", "Tenant allowed to address this user")
	_ = create.MarkFlagRequired("tenant")

	cmd.AddCommand(create)
	return cmd
}

func quotaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect and change monthly SMS quotas",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set [user-id] [monthly-limit]",
		Short: "Set a user's monthly limit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			limit, err := strconv.Atoi(args[1])
			if err != nil || limit < 0 {
				return fmt.Errorf("invalid monthly limit %q", args[1])
			}
			return withRepo(cmd, func(ctx context.Context, repo *db.Repository) error {
				return repo.SetQuotaLimit(ctx, id, limit)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show [user-id]",
		Short: "Show usage, reservations and what is left this month",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			return withRepo(cmd, func(ctx context.Context, repo *db.Repository) error {
				q, err := repo.GetQuota(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"quota":     q,
					"remaining": q.Remaining(time.Now()),
				})
			})
		},
	})

	return cmd
}

func optOutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optout",
		Short: "Manage the global opt-out list",
	}

	var reason string
	add := &cobra.Command{
		Use:   "add [phone]",
		Short: "Stop all SMS to a phone number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd, func(ctx context.Context, repo *db.Repository) error {
				return repo.AddOptOut(ctx, args[0], reason)
			})
		},
	}
	add.Flags().StringVar(&reason, "reason", "STOP", "Why the number opted out")

	remove := &cobra.Command{
		Use:   "remove [phone]",
		Short: "Allow SMS to a phone number again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd, func(ctx context.Context, repo *db.Repository) error {
				return repo.RemoveOptOut(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(add, remove)
	return cmd
}

func consentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consent",
		Short: "Record marketing consent",
	}

	var class string
	var ttl time.Duration
	grant := &cobra.Command{
		Use:   "grant [user-id]",
		Short: "Grant consent for a message class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			var expiresAt *time.Time
			if ttl > 0 {
				t := time.Now().Add(ttl)
				expiresAt = &t
			}
			return withRepo(cmd, func(ctx context.Context, repo *db.Repository) error {
				return repo.GrantConsent(ctx, id, class, expiresAt)
			})
		},
	}
	grant.Flags().StringVar(&class, "class", db.ClassMarketing, "Message class")
	grant.Flags().DurationVar(&ttl, "ttl", 0, "Consent lifetime, 0 for no expiry")

	revoke := &cobra.Command{
		Use:   "revoke [user-id]",
		Short: "Revoke consent for a message class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			return withRepo(cmd, func(ctx context.Context, repo *db.Repository) error {
				return repo.RevokeConsent(ctx, id, class)
			})
		},
	}
	revoke.Flags().StringVar(&class, "class", db.ClassMarketing, "Message class")

	cmd.AddCommand(grant, revoke)
	return cmd
}
