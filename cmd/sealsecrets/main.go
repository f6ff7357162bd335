// Command sealsecrets encrypts broker credentials into the file read by
// secrets.encrypted_path. Entries are read from stdin as name=value lines,
// e.g. "ig.password=...", and the file password comes from
// MARKETAPI_SECRETS_PASSWORD.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/alanyoungcy/marketapi/internal/crypto"
)

var knownSecrets = map[string]bool{
	crypto.SecretCapitalPassword: true,
	crypto.SecretCapitalAPIKey:   true,
	crypto.SecretIGPassword:      true,
	crypto.SecretIGAPIKey:        true,
}

func main() {
	out := flag.String("out", "secrets.json", "path of the encrypted secrets file to write")
	flag.Parse()

	if err := run(*out); err != nil {
		fmt.Fprintf(os.Stderr, "sealsecrets: %v\n", err)
		os.Exit(1)
	}
}

func run(out string) error {
	_ = godotenv.Load()
	password := os.Getenv("MARKETAPI_SECRETS_PASSWORD")
	if password == "" {
		return fmt.Errorf("MARKETAPI_SECRETS_PASSWORD must be set")
	}

	secrets := make(map[string]string)
	sc := bufio.NewScanner(os.Stdin)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		name, value, ok := strings.Cut(text, "=")
		name = strings.TrimSpace(name)
		if !ok || value == "" {
			return fmt.Errorf("line %d: expected name=value", line)
		}
		if !knownSecrets[name] {
			return fmt.Errorf("line %d: unknown secret %q", line, name)
		}
		secrets[name] = value
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	blob, err := crypto.SealSecrets(secrets, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, blob, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Printf("sealed %d secret(s) into %s\n", len(secrets), out)
	return nil
}
