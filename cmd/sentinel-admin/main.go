// Command sentinel-admin drives the license server's admin API from the
// command line. The admin secret comes from SENTINEL_ADMIN_SECRET.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/SentinelSoftworks/sentinel-license-engine/sentlicense"
)

const usage = `usage: sentinel-admin [flags] <command> [args]

commands:
  generate  -customer ID -installation ID -fingerprint FP -type TYPE [-features a,b]
  revoke    -license ID -reason TEXT
  rebind    -license ID -fingerprint FP
  status    -license ID
  server-status

flags:
  -server URL   license server base URL (default http://localhost:8443)
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "sentinel-admin:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("sentinel-admin", flag.ContinueOnError)
	server := global.String("server", "http://localhost:8443", "license server base URL")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(args); err != nil {
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("missing command")
	}

	secret := os.Getenv("SENTINEL_ADMIN_SECRET")
	if secret == "" {
		return fmt.Errorf("SENTINEL_ADMIN_SECRET is not set")
	}
	client := sentlicense.NewAdminClient(*server, []byte(secret))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch rest[0] {
	case "generate":
		return cmdGenerate(ctx, client, rest[1:])
	case "revoke":
		return cmdRevoke(ctx, client, rest[1:])
	case "rebind":
		return cmdRebind(ctx, client, rest[1:])
	case "status":
		return cmdStatus(ctx, client, rest[1:])
	case "server-status":
		return cmdServerStatus(ctx, client)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

func cmdGenerate(ctx context.Context, client *sentlicense.AdminClient, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	customer := fs.String("customer", "", "customer id")
	installation := fs.String("installation", "", "installation id")
	fingerprint := fs.String("fingerprint", "", "machine fingerprint")
	typ := fs.String("type", "trial", "license type (trial or paid-lifetime)")
	features := fs.String("features", "", "comma-separated feature list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *customer == "" || *installation == "" || *fingerprint == "" {
		return fmt.Errorf("generate requires -customer, -installation, and -fingerprint")
	}

	req := sentlicense.GenerateRequest{
		CustomerID:     *customer,
		InstallationID: *installation,
		Fingerprint:    *fingerprint,
		Type:           *typ,
	}
	if *features != "" {
		req.Features = strings.Split(*features, ",")
	}

	resp, err := client.Generate(ctx, req)
	if err != nil {
		return err
	}
	fmt.Println("license id:", resp.LicenseID)
	if resp.ExpiresAt != nil {
		fmt.Println("expires at:", resp.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println("blob:", base64.StdEncoding.EncodeToString(resp.LicenseBlob))
	return nil
}

func cmdRevoke(ctx context.Context, client *sentlicense.AdminClient, args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ContinueOnError)
	license := fs.String("license", "", "license id")
	reason := fs.String("reason", "", "revocation reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *license == "" || *reason == "" {
		return fmt.Errorf("revoke requires -license and -reason")
	}
	if err := client.Revoke(ctx, *license, *reason); err != nil {
		return err
	}
	fmt.Println("revoked", *license)
	return nil
}

func cmdRebind(ctx context.Context, client *sentlicense.AdminClient, args []string) error {
	fs := flag.NewFlagSet("rebind", flag.ContinueOnError)
	license := fs.String("license", "", "license id")
	fingerprint := fs.String("fingerprint", "", "new machine fingerprint")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *license == "" || *fingerprint == "" {
		return fmt.Errorf("rebind requires -license and -fingerprint")
	}
	resp, err := client.Rebind(ctx, *license, *fingerprint)
	if err != nil {
		return err
	}
	fmt.Println("license id:", resp.LicenseID)
	fmt.Println("blob:", base64.StdEncoding.EncodeToString(resp.LicenseBlob))
	return nil
}

func cmdStatus(ctx context.Context, client *sentlicense.AdminClient, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	license := fs.String("license", "", "license id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *license == "" {
		return fmt.Errorf("status requires -license")
	}
	status, err := client.Status(ctx, *license)
	if err != nil {
		return err
	}
	return printJSON(status)
}

func cmdServerStatus(ctx context.Context, client *sentlicense.AdminClient) error {
	status, err := client.ServerStatus(ctx)
	if err != nil {
		return err
	}
	return printJSON(status)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
