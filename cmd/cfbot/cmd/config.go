package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/psantana5/cf-reminder/internal/config"
	"github.com/psantana5/cf-reminder/pkg/auth"
	"github.com/psantana5/cf-reminder/pkg/logging"
	tlsutil "github.com/psantana5/cf-reminder/pkg/tls"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	certHosts   []string
	certCN      string
	logrotateTo string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
	Long:  `Commands for inspecting the effective configuration and preparing admin API credentials.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Long: `Print the configuration after merging defaults, the config file and CFBOT_*
environment variables. Tokens, API keys and database DSNs are masked.`,
	RunE: runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration without starting the bot",
	RunE:  runConfigValidate,
}

var configHashKeyCmd = &cobra.Command{
	Use:   "hash-key [key]",
	Short: "Hash an admin API key for admin.api_key_hash",
	Long: `Print a bcrypt hash of the given admin API key. Without an argument a new
random key is generated and printed together with its hash.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigHashKey,
}

var configGenCertCmd = &cobra.Command{
	Use:   "gen-cert",
	Short: "Generate a self-signed certificate for the admin API",
	RunE:  runConfigGenCert,
}

var configLogrotateCmd = &cobra.Command{
	Use:   "logrotate",
	Short: "Print a logrotate policy for log.dir",
	RunE:  runConfigLogrotate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configHashKeyCmd)
	configCmd.AddCommand(configGenCertCmd)
	configCmd.AddCommand(configLogrotateCmd)

	configGenCertCmd.Flags().StringSliceVar(&certHosts, "host", nil,
		"hostname or IP to include in the certificate SANs (repeatable)")
	configGenCertCmd.Flags().StringVar(&certCN, "cn", "cfbot-admin", "certificate common name")
	configLogrotateCmd.Flags().StringVar(&logrotateTo, "write", "",
		"write the policy to this path instead of stdout (e.g. /etc/logrotate.d/cfbot)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(os.Stderr, "# config file: %s\n", used)
	}
	return config.WriteRedacted(os.Stdout, viper.GetViper())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateToken(); err != nil {
		return err
	}
	fmt.Println("Configuration is valid")
	return nil
}

func runConfigHashKey(cmd *cobra.Command, args []string) error {
	var key string
	if len(args) == 1 {
		key = strings.TrimSpace(args[0])
	} else {
		generated, err := auth.GenerateKey()
		if err != nil {
			return err
		}
		key = generated
		fmt.Printf("Generated key: %s\n", key)
	}

	hash, err := auth.HashKey(key)
	if err != nil {
		return fmt.Errorf("failed to hash key: %w", err)
	}
	fmt.Printf("admin.api_key_hash: %q\n", hash)
	return nil
}

func runConfigGenCert(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	certFile, keyFile := cfg.Admin.TLS.CertFile, cfg.Admin.TLS.KeyFile
	if certFile == "" || keyFile == "" {
		return fmt.Errorf("admin.tls.cert_file and admin.tls.key_file must be set")
	}

	if err := tlsutil.GenerateSelfSignedCert(certFile, keyFile, certCN, certHosts...); err != nil {
		return fmt.Errorf("failed to generate certificate: %w", err)
	}
	fmt.Println("Certificate generated successfully")
	fmt.Printf("  Certificate: %s\n", certFile)
	fmt.Printf("  Key: %s\n", keyFile)
	if len(certHosts) > 0 {
		fmt.Printf("  Additional SANs: %v\n", certHosts)
	}
	return nil
}

func runConfigLogrotate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := cfg.Log.Dir
	if dir == "" {
		dir = logging.DefaultLogDir
	}

	policy := logging.GenerateLogrotateConfig(dir, "cfbot")
	if logrotateTo == "" {
		fmt.Print(policy)
		return nil
	}
	if err := os.WriteFile(logrotateTo, []byte(policy), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", logrotateTo, err)
	}
	fmt.Printf("Logrotate policy written to %s\n", logrotateTo)
	return nil
}
