package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"golang.org/x/term"

	"github.com/opsapi/secretvault/internal/config"
	"github.com/opsapi/secretvault/internal/vault"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

func main() {
	ctx := context.Background()
	cfg := config.LoadConfig()

	app, err := vault.NewApp(cfg)
	if err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}
	defer app.Close()

	// "vaultd check-unlock <vault-id>" verifies a passphrase interactively
	// and exits; anything else runs the service.
	if len(os.Args) > 2 && os.Args[1] == "check-unlock" {
		if err := checkUnlock(ctx, app, os.Args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "unlock check failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("passphrase ok")
		return
	}

	if err := app.Run(ctx); err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}
}

func checkUnlock(ctx context.Context, app *vault.App, vaultID string) error {
	if err := app.Migrate(ctx); err != nil {
		return err
	}

	fmt.Print("Passphrase: ")
	passphrase, err := readPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return err
	}

	session, err := app.Vaults.Unlock(ctx, vaultID, string(passphrase))
	if err != nil {
		return err
	}
	session.Close()
	return nil
}
