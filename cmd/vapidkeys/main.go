package main

import (
	"fmt"
	"os"

	"github.com/dukerupert/pushflow/internal/push"
)

// Prints a fresh VAPID key pair in .env format.
func main() {
	pub, priv, err := push.GenerateVAPIDKeys()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate keys: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", pub, priv)
}
