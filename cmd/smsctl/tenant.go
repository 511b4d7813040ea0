package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lalithlochan/smsrelay/internal/db"
	"github.com/lalithlochan/smsrelay/internal/ids"
)

var integrationTypes = map[string]bool{
	db.IntegrationFirstParty: true,
	db.IntegrationJSSDK:      true,
	db.IntegrationWebhook:    true,
	db.IntegrationZapier:     true,
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Create and manage tenants",
	}
	cmd.AddCommand(tenantCreateCmd(), tenantRotateKeyCmd(), tenantDeactivateCmd())
	return cmd
}

func tenantCreateCmd() *cobra.Command {
	var domain, ownerPhone, integration string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant and its owner user, printing the credentials once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if domain == "" {
				return fmt.Errorf("--domain is required")
			}
			if !integrationTypes[integration] {
				return fmt.Errorf("invalid --integration %q", integration)
			}

			return withRepo(cmd, func(ctx context.Context, repo *db.Repository) error {
				owner := &db.User{}
				if ownerPhone != "" {
					owner.PhoneNumber = &ownerPhone
				}
				if err := repo.CreateUser(ctx, owner); err != nil {
					return err
				}

				t := &db.Tenant{
					Domain:          domain,
					APIKey:          ids.NewAPIKey(),
					SigningSecret:   ids.NewSigningSecret(),
					IntegrationType: integration,
					OwnerUserID:     owner.ID,
					Active:          true,
				}
				if err := repo.CreateTenant(ctx, t); err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), map[string]any{
					"tenant_id":      t.ID,
					"domain":         t.Domain,
					"owner_user_id":  owner.ID,
					"api_key":        t.APIKey,
					"signing_secret": t.SigningSecret,
				})
			})
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "Tenant domain, shown in default message bodies")
	cmd.Flags().StringVar(&ownerPhone, "owner-phone", "", "Owner phone number in E.164 form")
	cmd.Flags().StringVar(&integration, "integration", db.IntegrationFirstParty, "first_party, js_sdk, webhook or zapier")
	return cmd
}

func tenantRotateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key [tenant-id]",
		Short: "Replace a tenant's API key and signing secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			return withRepo(cmd, func(ctx context.Context, repo *db.Repository) error {
				t, err := repo.RotateTenantKey(ctx, id, ids.NewAPIKey(), ids.NewSigningSecret())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"tenant_id":      t.ID,
					"api_key":        t.APIKey,
					"signing_secret": t.SigningSecret,
				})
			})
		},
	}
}

func tenantDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate [tenant-id]",
		Short: "Deactivate a tenant; its credentials stop working",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			return withRepo(cmd, func(ctx context.Context, repo *db.Repository) error {
				if err := repo.DeactivateTenant(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "tenant %s deactivated\n", id)
				return nil
			})
		},
	}
}
