package commands

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pearlops/pearld/internal/middleware"
)

var loginForget bool

func NewLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Unlock the Pearl middleware",
		Long: `Log in to the Pearl middleware that holds wallet custody.

The password is resolved in order:
  1. platform keyring (macOS Keychain / Linux Secret Service)
  2. PEARL_MIDDLEWARE_PASSWORD environment variable
  3. interactive prompt

A password entered at the prompt is saved to the platform keyring on
successful login, so later logins need no prompt.`,
		RunE: runLogin,
	}

	cmd.Flags().BoolVar(&loginForget, "forget", false, "Remove the stored password from the keyring and exit")

	return cmd
}

func runLogin(cmd *cobra.Command, args []string) error {
	if loginForget {
		if err := middleware.DeletePassword(); err != nil {
			return fmt.Errorf("failed to remove stored password: %w", err)
		}
		Success("Stored password removed from keyring")
		return nil
	}

	mw := middleware.New(GetMiddlewareURL(), 0)

	password, source := resolveMiddlewarePassword()
	prompted := false
	if password == "" {
		fmt.Fprint(os.Stderr, "Middleware password: ")
		entered, err := readPasswordNoEcho()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		password = entered
		source = "prompt"
		prompted = true
	}
	if password == "" {
		return fmt.Errorf("no password provided")
	}

	err := WithSpinner("Logging in", func() error {
		return mw.Login(cmd.Context(), password)
	})
	if err != nil {
		if source == "keyring" {
			fmt.Println(Hint("The stored password was rejected. Drop it with: pearl login --forget"))
		}
		return fmt.Errorf("login failed: %w", err)
	}

	Success("Middleware unlocked")

	if prompted {
		if backend, err := middleware.StorePassword(password); err == nil {
			fmt.Printf("  Password saved to %s\n", backend)
			fmt.Println("  Later logins will not prompt.")
		} else {
			fmt.Println(Hint("Could not store the password in a keyring; set PEARL_MIDDLEWARE_PASSWORD to skip the prompt."))
		}
	}

	return nil
}

// resolveMiddlewarePassword tries the platform keyring, then the environment.
func resolveMiddlewarePassword() (string, string) {
	if pw, err := middleware.RetrievePassword(); err == nil && pw != "" {
		return pw, "keyring"
	}
	if pw := os.Getenv("PEARL_MIDDLEWARE_PASSWORD"); pw != "" {
		return pw, "env"
	}
	return "", ""
}

// readPasswordNoEcho reads a line from stdin with echo disabled.
func readPasswordNoEcho() (string, error) {
	password, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	return string(password), nil
}
