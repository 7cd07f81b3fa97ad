package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowforge/orchestrator/internal/credential"
)

func init() {
	rootCmd.AddCommand(credentialCmd)
	credentialCmd.AddCommand(credentialCreateCmd, credentialListCmd, credentialShowCmd,
		credentialDeleteCmd, credentialRotateCmd, credentialEnableCmd, credentialDisableCmd,
		credentialGrantCmd, credentialRevokeCmd, credentialLeaseCmd, credentialUsageCmd)
}

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage vaulted credentials",
}

var (
	credName     string
	credCategory string
	credProvider string
	credSecret   string
)

var credentialCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a credential",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		c, err := svc.credentials.Create(credential.CreateInput{
			Name:     credName,
			Category: credCategory,
			Provider: credProvider,
			Secret:   []byte(credSecret),
		})
		if err != nil {
			return err
		}
		return printJSON(c)
	},
}

func init() {
	credentialCreateCmd.Flags().StringVar(&credName, "name", "", "credential name")
	credentialCreateCmd.Flags().StringVar(&credCategory, "category", "", "credential category")
	credentialCreateCmd.Flags().StringVar(&credProvider, "provider", "", "credential provider")
	credentialCreateCmd.Flags().StringVar(&credSecret, "secret", "", "plaintext secret to encrypt")
	credentialCreateCmd.MarkFlagRequired("name")
	credentialCreateCmd.MarkFlagRequired("category")
	credentialCreateCmd.MarkFlagRequired("secret")
}

var listCategory string

var credentialListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		return printJSON(svc.credentials.List(credential.ListFilter{Category: listCategory}))
	},
}

func init() {
	credentialListCmd.Flags().StringVar(&listCategory, "category", "", "filter by category")
}

var credentialShowCmd = &cobra.Command{
	Use:   "show <credential-id>",
	Short: "Show a credential (without its secret)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		c := svc.credentials.Get(args[0])
		if c == nil {
			return fmt.Errorf("credential %q not found", args[0])
		}
		return printJSON(c)
	},
}

var credentialDeleteCmd = &cobra.Command{
	Use:   "delete <credential-id>",
	Short: "Delete a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		deleted, err := svc.credentials.Delete(args[0])
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("credential %q not found", args[0])
		}
		fmt.Println("deleted")
		return nil
	},
}

var newSecret string

var credentialRotateCmd = &cobra.Command{
	Use:   "rotate-secret <credential-id>",
	Short: "Rotate a credential's secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		if err := svc.credentials.RotateSecret(args[0], []byte(newSecret)); err != nil {
			return err
		}
		fmt.Println("rotated")
		return nil
	},
}

func init() {
	credentialRotateCmd.Flags().StringVar(&newSecret, "secret", "", "new plaintext secret")
	credentialRotateCmd.MarkFlagRequired("secret")
}

var credentialEnableCmd = &cobra.Command{
	Use:  "enable <credential-id>",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error { return setEnabled(args[0], true) },
}

var credentialDisableCmd = &cobra.Command{
	Use:  "disable <credential-id>",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error { return setEnabled(args[0], false) },
}

func setEnabled(id string, enabled bool) error {
	svc, err := newServices()
	if err != nil {
		return err
	}
	c, err := svc.credentials.SetEnabled(id, enabled)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("credential %q not found", id)
	}
	return printJSON(c)
}

var grantAgentID string

var credentialGrantCmd = &cobra.Command{
	Use:   "grant <credential-id>",
	Short: "Grant an agent standing access to a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		c, err := svc.credentials.GrantAccess(args[0], grantAgentID)
		if err != nil {
			return err
		}
		return printJSON(c)
	},
}

var credentialRevokeCmd = &cobra.Command{
	Use:   "revoke <credential-id>",
	Short: "Revoke an agent's standing access",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		revoked, err := svc.credentials.RevokeAccess(args[0], grantAgentID)
		if err != nil {
			return err
		}
		if !revoked {
			return fmt.Errorf("no grant for agent %q on credential %q", grantAgentID, args[0])
		}
		fmt.Println("revoked")
		return nil
	},
}

func init() {
	credentialGrantCmd.Flags().StringVar(&grantAgentID, "agent", "", "agent id")
	credentialGrantCmd.MarkFlagRequired("agent")
	credentialRevokeCmd.Flags().StringVar(&grantAgentID, "agent", "", "agent id")
	credentialRevokeCmd.MarkFlagRequired("agent")
}

var (
	leaseTaskID  string
	leaseAgentID string
	leaseTTL     time.Duration
)

var credentialLeaseCmd = &cobra.Command{
	Use:   "lease <credential-id>",
	Short: "Create a time-bound lease for a task/agent pair",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		lease, err := svc.credentials.CreateLease(credential.CreateLeaseInput{
			CredentialID: args[0],
			TaskID:       leaseTaskID,
			AgentID:      leaseAgentID,
			TTL:          leaseTTL,
		})
		if err != nil {
			return err
		}
		return printJSON(lease)
	},
}

func init() {
	credentialLeaseCmd.Flags().StringVar(&leaseTaskID, "task", "", "task id")
	credentialLeaseCmd.Flags().StringVar(&leaseAgentID, "agent", "", "agent id")
	credentialLeaseCmd.Flags().DurationVar(&leaseTTL, "ttl", 30*time.Minute, "lease time-to-live")
	credentialLeaseCmd.MarkFlagRequired("agent")
}

var credentialUsageCmd = &cobra.Command{
	Use:   "usage <credential-id>",
	Short: "Show a credential's bounded usage history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		return printJSON(svc.credentials.GetUsageHistory(args[0]))
	},
}
