package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/pacer/internal/config"
	"github.com/foxzi/pacer/internal/dkim"
)

var (
	dkimSelector string
	dkimDir      string
	dkimBits     int
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "Signing keys for campaign sending domains",
}

var dkimProvisionCmd = &cobra.Command{
	Use:   "provision <mailbox-address|domain>...",
	Short: "Create signing keys for the domains campaigns send from",
	Long: `Create one RSA key per sending domain of the given mailbox addresses.
Keys that already exist in the key directory are reused. Prints the DNS
records to publish and the transport.dkim entries for the config file.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDKIMProvision,
}

var dkimRecordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Print the DNS records of the configured signing keys",
	RunE:  runDKIMRecords,
}

func init() {
	dkimProvisionCmd.Flags().StringVar(&dkimSelector, "selector", "pacer", "DKIM selector")
	dkimProvisionCmd.Flags().StringVar(&dkimDir, "dir", "dkim", "Key directory")
	dkimProvisionCmd.Flags().IntVar(&dkimBits, "bits", dkim.DefaultBits, "RSA key size for new keys")

	dkimCmd.AddCommand(dkimProvisionCmd, dkimRecordsCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMProvision(cmd *cobra.Command, args []string) error {
	keys, err := dkim.Provision(dkimDir, dkimSelector, dkimBits, args)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	entries := make([]dkim.KeyConfig, 0, len(keys))
	for _, k := range keys {
		state := "reused"
		if k.Created {
			state = "created"
		}
		fmt.Fprintf(out, "%s: %s %s\n", k.Config.Domain, state, k.Config.KeyFile)
		entries = append(entries, k.Config)
	}

	fmt.Fprintf(out, "\nDNS records:\n")
	for _, k := range keys {
		fmt.Fprintln(out, dkim.ZoneLine(k.RecordName(), k.Record))
	}

	snippet, err := yaml.Marshal(map[string]any{
		"transport": map[string]any{"dkim": entries},
	})
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	fmt.Fprintf(out, "\nConfig:\n%s", snippet)
	return nil
}

func runDKIMRecords(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(cfg.Transport.DKIM) == 0 {
		fmt.Fprintln(out, "No signing keys configured")
		return nil
	}
	for _, kc := range cfg.Transport.DKIM {
		if err := printRecord(out, kc); err != nil {
			return err
		}
	}
	return nil
}

func printRecord(out io.Writer, kc dkim.KeyConfig) error {
	key, err := dkim.LoadPrivateKey(kc.KeyFile)
	if err != nil {
		return fmt.Errorf("%s: %w", kc.Domain, err)
	}
	record, err := dkim.PublicRecord(key)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, dkim.ZoneLine(dkim.RecordName(kc.Selector, kc.Domain), record))
	return nil
}
