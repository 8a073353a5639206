// Package main is a development utility for generating a token encryption
// master key. It prints a fresh 32-byte key, base64-encoded, ready to be
// set as CGW_SECURITY_TOKEN_ENCRYPTION_KEY (or security.token_encryption_key
// in config.yaml). Generate one key per deployment and store it in the
// secret manager; rotating the key makes existing token records unreadable
// and every account must reconnect.
package main

import (
	"encoding/base64"
	"fmt"
	"log"

	"github.com/clipgate/clipgate/internal/crypto"
)

func main() {
	key, err := crypto.GenerateKey()
	if err != nil {
		log.Fatal(err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)

	fmt.Println("==========================================================")
	fmt.Println("Token Encryption Key Generated")
	fmt.Println("==========================================================")
	fmt.Printf("\nCGW_SECURITY_TOKEN_ENCRYPTION_KEY=%s\n\n", encoded)
	fmt.Println("Store this key in your secret manager. Losing it makes all")
	fmt.Println("stored token records unreadable.")
	fmt.Println("==========================================================")
}
