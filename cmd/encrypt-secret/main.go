// Command encrypt-secret seals an API secret for the [[credentials]] section
// of the config file. The vault password is read from
// FUNDINGARB_VAULT_PASSWORD and the secret from stdin.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/alanyoungcy/fundingarb/internal/crypto"
)

func main() {
	password := os.Getenv("FUNDINGARB_VAULT_PASSWORD")
	if password == "" {
		fmt.Fprintln(os.Stderr, "FUNDINGARB_VAULT_PASSWORD is not set")
		os.Exit(2)
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintf(os.Stderr, "read secret: %v\n", err)
		os.Exit(1)
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		fmt.Fprintln(os.Stderr, "empty secret")
		os.Exit(2)
	}

	sealed, err := crypto.EncryptSecret(secret, password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(sealed)
}
