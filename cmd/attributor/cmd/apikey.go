package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/solatis/attributor/internal/core/auth"
	"github.com/solatis/attributor/internal/core/config"
	"github.com/spf13/cobra"
)

var apiKeySecretID string

var apiKeyCmd = &cobra.Command{
	Use:   "api-key",
	Short: "Manage admin API keys",
	Long: `Admin API keys are signed with an HMAC secret from AT_HMAC_SECRET[_N].
They are verified statelessly: rotating a secret out of the environment
revokes every key minted from it.`,
}

var apiKeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a new admin API key",
	Long: `Mint a new admin API key and print it once.

With several secrets configured, --secret-id selects the signing secret.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secrets, err := config.HMACSecrets()
		if err != nil {
			return fmt.Errorf("failed to load HMAC secrets: %w", err)
		}
		secretID, err := pickSecret(secrets, apiKeySecretID)
		if err != nil {
			return err
		}

		key, err := auth.GenerateAPIKey(secrets[secretID], secretID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(apiKeyCmd)
	apiKeyCmd.AddCommand(apiKeyCreateCmd)
	apiKeyCreateCmd.Flags().StringVar(&apiKeySecretID, "secret-id", "", "signing secret id (32 hex chars)")
}

func pickSecret(secrets map[string][]byte, want string) (string, error) {
	if len(secrets) == 0 {
		return "", fmt.Errorf("no HMAC secrets configured (set AT_HMAC_SECRET environment variable)")
	}
	if want != "" {
		if _, ok := secrets[want]; !ok {
			return "", fmt.Errorf("secret id %s not configured", want)
		}
		return want, nil
	}
	if len(secrets) > 1 {
		ids := make([]string, 0, len(secrets))
		for id := range secrets {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return "", fmt.Errorf("multiple secrets configured, pass --secret-id (one of %s)", strings.Join(ids, ", "))
	}
	for id := range secrets {
		return id, nil
	}
	return "", nil
}
