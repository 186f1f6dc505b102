package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	tlsconf "github.com/polisai/polis-enhance/internal/tls"
)

func newCertCmd() *cobra.Command {
	var (
		commonName string
		validFor   time.Duration
		outputDir  string
		certName   string
		keyName    string
	)
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate a self-signed server certificate for local TLS",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if validFor <= 0 {
				return fmt.Errorf("--valid-for must be positive")
			}
			certPEM, keyPEM, err := tlsconf.GenerateSelfSigned(commonName, validFor)
			if err != nil {
				return err
			}
			certFile := filepath.Join(outputDir, certName)
			keyFile := filepath.Join(outputDir, keyName)
			if err := tlsconf.WriteCertificateFiles(certPEM, keyPEM, certFile, keyFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "certificate: %s\nprivate key: %s\nexpires: %s\n",
				certFile, keyFile, time.Now().Add(validFor).UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&commonName, "cn", "localhost", "Common name for the certificate")
	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "Certificate validity duration")
	cmd.Flags().StringVar(&outputDir, "output-dir", ".", "Output directory")
	cmd.Flags().StringVar(&certName, "cert", "cert.pem", "Certificate file name")
	cmd.Flags().StringVar(&keyName, "key", "key.pem", "Private key file name")
	return cmd
}
