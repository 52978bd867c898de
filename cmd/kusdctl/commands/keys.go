package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"kusd/cmd/internal/passphrase"
	"kusd/crypto"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new secp256k1 key in a v3 keystore file",
	Long: `Generate a key for the node admin or the AI rebalance signer. The
passphrase is read from KUSD_KEYSTORE_PASS or prompted twice.`,
	RunE: runKeygen,
}

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Print the principal held in a keystore",
	RunE:  runAddress,
}

func init() {
	rootCmd.AddCommand(keygenCmd, addressCmd)

	keygenCmd.Flags().String("out", "signer.keystore", "Keystore file to create")
	keygenCmd.Flags().Bool("light", false, "Use light scrypt parameters (tests and devnets only)")
	addressCmd.Flags().String("keystore", "", "Keystore file to read")
	_ = addressCmd.MarkFlagRequired("keystore")
}

func runKeygen(cmd *cobra.Command, _ []string) error {
	out, _ := cmd.Flags().GetString("out")
	light, _ := cmd.Flags().GetBool("light")
	if _, err := os.Stat(out); err == nil {
		return fmt.Errorf("%s already exists", out)
	}
	pass, err := passphrase.NewSource(keystorePassEnv, "new keystore").WithConfirmation().Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	strength := crypto.StandardKeystore
	if light {
		strength = crypto.LightKeystore
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	if err := crypto.SaveToKeystoreWithStrength(out, key, pass, strength); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	printAddress(cmd, key.PubKey().Address())
	return nil
}

func runAddress(cmd *cobra.Command, _ []string) error {
	key, err := loadKey(cmd)
	if err != nil {
		return err
	}
	printAddress(cmd, key.PubKey().Address())
	return nil
}

func loadKey(cmd *cobra.Command) (*crypto.PrivateKey, error) {
	path, _ := cmd.Flags().GetString("keystore")
	pass, err := passphrase.NewSource(keystorePassEnv, "keystore").Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("load keystore %s: %w", path, err)
	}
	return key, nil
}

func printAddress(cmd *cobra.Command, addr crypto.Address) {
	fmt.Fprintf(cmd.OutOrStdout(), "address: %s\nhex:     %s\n", addr.String(), addr.Hex())
}
