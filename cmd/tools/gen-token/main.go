// Command gen-token mints an admin API token and prints both the raw token
// and the PBKDF2 hash the server is configured with. The raw token is shown
// once and never stored.
package main

import (
	"fmt"
	"os"

	"streamcast/internal/auth"
)

func main() {
	token, hash, err := auth.GenerateToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("token: %s\n", token)
	fmt.Printf("hash:  %s\n", hash)
	fmt.Println()
	fmt.Println("Set STREAMCAST_ADMIN_TOKEN_HASH to the hash value and send the")
	fmt.Println("token as 'Authorization: Bearer <token>' on admin requests.")
}
