package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cmwaters/mempool/config"
	"github.com/cmwaters/mempool/pkg/sign"
)

var keygenFlags struct {
	out            string
	force          bool
	mempoolAddress string
	frontAddress   string
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the key of an authority",
	Long: "Generates an ed25519 key used both to sign mempool messages and as the libp2p " +
		"identity of the node, and prints the matching committee file entry.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := os.Stat(keygenFlags.out); err == nil && !keygenFlags.force {
			return fmt.Errorf("key file %s already exists, use --force to overwrite", keygenFlags.out)
		}
		key, err := sign.GenerateKey()
		if err != nil {
			return err
		}
		signer, err := sign.NewKeySigner(key)
		if err != nil {
			return err
		}
		if err := sign.SaveKey(keygenFlags.out, key); err != nil {
			return fmt.Errorf("writing key file: %w", err)
		}

		entry, err := config.AuthorityConfig{
			PublicKey:      hex.EncodeToString(signer.ID()),
			Weight:         1,
			MempoolAddress: keygenFlags.mempoolAddress,
			FrontAddress:   keygenFlags.frontAddress,
		}.Marshal()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# key written to %s, add this authority to the committee file\n%s", keygenFlags.out, entry)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVarP(&keygenFlags.out, "out", "o", "key", "Where to write the key")
	keygenCmd.Flags().BoolVar(&keygenFlags.force, "force", false, "Overwrite an existing key file")
	keygenCmd.Flags().StringVar(&keygenFlags.mempoolAddress, "mempool-address", "/ip4/127.0.0.1/tcp/7000", "Multiaddr peers use to reach this authority")
	keygenCmd.Flags().StringVar(&keygenFlags.frontAddress, "front-address", "127.0.0.1:8000", "Address clients submit transactions to")
}
