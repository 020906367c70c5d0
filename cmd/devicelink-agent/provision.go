package main

import (
	"encoding/pem"
	"flag"
	"fmt"
	"os"

	"github.com/stratoline/devicelink/internal/trust"
)

func runProvision(args []string) error {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	server := fs.String("server", "", "Server URL (e.g., https://iot.example.com:443)")
	id := fs.String("id", "", "Activation id assigned when the device was registered")
	secret := fs.String("secret", "", "Shared secret assigned when the device was registered")
	vaultFile := fs.String("vault", "device.vault", "Path of the vault file to create")
	anchor := fs.String("trust-anchor", "", "Optional PEM file with the server certificate to trust")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *server == "" {
		return fmt.Errorf("--server is required")
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}
	if *secret == "" {
		return fmt.Errorf("--secret is required")
	}

	password := os.Getenv("DEVICELINK_VAULT_PASSWORD")
	if password == "" {
		return fmt.Errorf("DEVICELINK_VAULT_PASSWORD must be set")
	}

	vault, err := trust.Provision(*vaultFile, password, *server, *id, *secret)
	if err != nil {
		return fmt.Errorf("failed to create vault: %w", err)
	}
	defer vault.Close()

	if *anchor != "" {
		pemData, err := os.ReadFile(*anchor)
		if err != nil {
			return fmt.Errorf("failed to read trust anchor: %w", err)
		}
		block, _ := pem.Decode(pemData)
		if block == nil || block.Type != "CERTIFICATE" {
			return fmt.Errorf("no certificate found in %s", *anchor)
		}
		if err := vault.SetTrustAnchor(block.Bytes); err != nil {
			return fmt.Errorf("failed to store trust anchor: %w", err)
		}
	}

	fmt.Println("Provisioning successful!")
	fmt.Printf("  Vault:  %s\n", *vaultFile)
	fmt.Printf("  Server: %s\n", *server)
	fmt.Printf("  ID:     %s\n", *id)
	fmt.Println()
	fmt.Println("Add the following to your agent application.yaml:")
	fmt.Println()
	fmt.Printf("vault:\n")
	fmt.Printf("  file: %s\n", *vaultFile)

	return nil
}
