package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/callpipe/callpipe/internal/config"
	"github.com/callpipe/callpipe/internal/storage"
)

// Tenant commands work on the database directly: they are bootstrap tooling
// for the operator, not an account-management surface.

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Bootstrap and inspect tenants",
}

var tenantsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a tenant with webhook credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("webhook-user")
		secret, _ := cmd.Flags().GetString("webhook-secret")
		if user == "" || secret == "" {
			return fmt.Errorf("--webhook-user and --webhook-secret are required")
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		tenant := storage.Tenant{
			ID:            uuid.New().String(),
			Name:          args[0],
			WebhookUser:   user,
			WebhookSecret: secret,
		}
		if err := store.CreateTenant(tenant); err != nil {
			return fmt.Errorf("creating tenant: %w", err)
		}
		printSuccess("Created tenant %s (%s)", tenant.ID, tenant.Name)
		return nil
	},
}

var tenantsSetVendorCmd = &cobra.Command{
	Use:   "set-vendor <tenant-id>",
	Short: "Set a tenant's PBX vendor credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		identity, _ := cmd.Flags().GetString("identity")
		secret, _ := cmd.Flags().GetString("secret")
		if host == "" || identity == "" || secret == "" {
			return fmt.Errorf("--host, --identity, and --secret are required")
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.SetTenantVendorCredentials(args[0], host, identity, secret); err != nil {
			return fmt.Errorf("setting vendor credentials: %w", err)
		}
		printSuccess("Vendor credentials set for tenant %s", args[0])
		return nil
	},
}

var tenantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		tenants, err := store.ListTenants()
		if err != nil {
			return fmt.Errorf("listing tenants: %w", err)
		}
		if len(tenants) == 0 {
			fmt.Println("No tenants configured.")
			return nil
		}
		for _, t := range tenants {
			vendor := "vendor: not configured"
			if t.VendorHost != "" {
				vendor = "vendor: " + t.VendorHost
			}
			fmt.Printf("%s  %-20s  user=%s  usage=%d  %s\n",
				colorize(colorCyan, t.ID[:8]), t.Name, t.WebhookUser, t.UsageCount, vendor)
		}
		return nil
	},
}

func openStore() (*storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

func init() {
	tenantsAddCmd.Flags().String("webhook-user", "", "basic-auth username the PBX will send")
	tenantsAddCmd.Flags().String("webhook-secret", "", "basic-auth password the PBX will send")
	tenantsSetVendorCmd.Flags().String("host", "", "vendor API base URL")
	tenantsSetVendorCmd.Flags().String("identity", "", "vendor account identity")
	tenantsSetVendorCmd.Flags().String("secret", "", "vendor shared secret")
	tenantsCmd.AddCommand(tenantsAddCmd)
	tenantsCmd.AddCommand(tenantsSetVendorCmd)
	tenantsCmd.AddCommand(tenantsListCmd)
}
