package cmd

import (
	"fmt"

	"rewear/push"

	"github.com/spf13/cobra"
)

var vapidCmd = &cobra.Command{
	Use:   "vapid",
	Short: "Generate a VAPID key pair for Web Push",
	// Runs on a fresh checkout, before JWT_SECRET and friends exist.
	Annotations: map[string]string{skipValidation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		publicKey, privateKey, err := push.GenerateKeys()
		if err != nil {
			return fmt.Errorf("failed to generate VAPID keys: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "# Add these to your .env file")
		fmt.Fprintf(out, "VAPID_PUBLIC_KEY=%s\n", publicKey)
		fmt.Fprintf(out, "VAPID_PRIVATE_KEY=%s\n", privateKey)
		fmt.Fprintf(out, "VAPID_SUBJECT=%s\n", cfg.VAPIDSubject)
		return nil
	},
}
