package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/relay/internal/credential"
	"github.com/zjrosen/relay/internal/infrastructure/sqlite"
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage broker credentials",
	Long: `Create, list, and revoke the shared secrets tenants use to
submit requests. Secrets are printed exactly once at creation; only
their digest is stored.`,
}

var (
	credLabel       string
	credOwner       string
	credPermissions []string
	credCeiling     int
	credExpires     time.Duration

	ownerName    string
	ownerSuspend bool
)

var credentialCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a new credential",
	RunE:  runCredentialCreate,
}

var credentialListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active credentials",
	RunE:  runCredentialList,
}

var credentialDeactivateCmd = &cobra.Command{
	Use:   "deactivate <id>",
	Short: "Revoke a credential",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialDeactivate,
}

var credentialOwnerCmd = &cobra.Command{
	Use:   "owner <id>",
	Short: "Create, rename, suspend, or restore a credential owner",
	Long: `Upsert the owner record with the given id. Suspending an owner
rejects every credential it holds on the next validation; restoring it
lifts the block without touching the credentials themselves.`,
	Args: cobra.ExactArgs(1),
	RunE: runCredentialOwner,
}

func init() {
	rootCmd.AddCommand(credentialCmd)
	credentialCmd.AddCommand(credentialCreateCmd)
	credentialCmd.AddCommand(credentialListCmd)
	credentialCmd.AddCommand(credentialDeactivateCmd)
	credentialCmd.AddCommand(credentialOwnerCmd)

	credentialCreateCmd.Flags().StringVar(&credLabel, "label", "",
		"human-readable label for the credential")
	credentialCreateCmd.Flags().StringVar(&credOwner, "owner", "",
		"owner id the credential belongs to")
	credentialCreateCmd.Flags().StringSliceVar(&credPermissions, "permission", nil,
		"operation the credential may use, repeatable (none grants everything)")
	credentialCreateCmd.Flags().IntVar(&credCeiling, "ceiling", 0,
		"per-window rate ceiling override (0 uses the configured default)")
	credentialCreateCmd.Flags().DurationVar(&credExpires, "expires", 0,
		"lifetime before the credential expires (0 never expires)")

	credentialOwnerCmd.Flags().StringVar(&ownerName, "name", "",
		"display name for the owner")
	credentialOwnerCmd.Flags().BoolVar(&ownerSuspend, "suspend", false,
		"suspend the owner instead of keeping it active")
}

// openCredentialStore opens the database and returns a store suitable for
// admin operations. No usage logger is attached; admin commands do not
// write usage rows.
func openCredentialStore() (*credential.Store, *sqlite.DB, error) {
	db, err := sqlite.NewDB(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	store := credential.NewStore(db.CredentialRepository(), nil, credential.StoreConfig{
		CacheTTL: cfg.Credentials.CacheTTL,
	})
	return store, db, nil
}

// newSecret returns 32 bytes of hex-encoded randomness.
func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func runCredentialCreate(cmd *cobra.Command, _ []string) error {
	store, db, err := openCredentialStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	secret, err := newSecret()
	if err != nil {
		return err
	}

	var ceiling *int
	if credCeiling > 0 {
		ceiling = &credCeiling
	}
	var expiresAt *time.Time
	if credExpires > 0 {
		t := time.Now().Add(credExpires)
		expiresAt = &t
	}

	cred, err := store.Create(cmd.Context(), secret, credLabel, credOwner, credPermissions, ceiling, expiresAt)
	if err != nil {
		return fmt.Errorf("creating credential: %w", err)
	}

	fmt.Printf("Credential %s created\n", cred.ID)
	if cred.Label != "" {
		fmt.Printf("  label:   %s\n", cred.Label)
	}
	if cred.OwnerID != "" {
		fmt.Printf("  owner:   %s\n", cred.OwnerID)
	}
	if len(cred.Permissions) > 0 {
		fmt.Printf("  perms:   %s\n", strings.Join(cred.Permissions, ", "))
	}
	if cred.ExpiresAt != nil {
		fmt.Printf("  expires: %s\n", cred.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("  secret:  %s\n", secret)
	fmt.Println("Store the secret now; it cannot be recovered later.")
	return nil
}

func runCredentialList(cmd *cobra.Command, _ []string) error {
	store, db, err := openCredentialStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	creds, err := store.ListActive(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing credentials: %w", err)
	}
	if len(creds) == 0 {
		fmt.Println("No active credentials")
		return nil
	}

	for _, cred := range creds {
		line := fmt.Sprintf("%s  created %s", cred.ID, cred.CreatedAt.Format("2006-01-02"))
		if cred.Label != "" {
			line += "  " + cred.Label
		}
		if cred.OwnerID != "" {
			line += "  owner=" + cred.OwnerID
		}
		if cred.CeilingOverride != nil {
			line += fmt.Sprintf("  ceiling=%d", *cred.CeilingOverride)
		}
		if cred.ExpiresAt != nil {
			line += "  expires " + cred.ExpiresAt.Format(time.RFC3339)
		}
		if cred.LastUsedAt != nil {
			line += "  last used " + cred.LastUsedAt.Format(time.RFC3339)
		}
		fmt.Println(line)
	}
	return nil
}

func runCredentialDeactivate(cmd *cobra.Command, args []string) error {
	store, db, err := openCredentialStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := store.Deactivate(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("deactivating credential: %w", err)
	}
	fmt.Printf("Credential %s deactivated\n", args[0])
	return nil
}

func runCredentialOwner(cmd *cobra.Command, args []string) error {
	store, db, err := openCredentialStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := store.SetOwnerActive(cmd.Context(), args[0], ownerName, !ownerSuspend); err != nil {
		return fmt.Errorf("updating owner: %w", err)
	}
	state := "active"
	if ownerSuspend {
		state = "suspended"
	}
	fmt.Printf("Owner %s is %s\n", args[0], state)
	return nil
}
