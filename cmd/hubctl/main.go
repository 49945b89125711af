// Command hubctl is the operator CLI for the realtime hub.
//
// Publish a chat message the way an external writer would, so every hub
// tailing the store delivers it:
//
//	hubctl publish --channel lobby --identity ops --text "maintenance at 18:00"
//
// Dump feed diagnostics from a running hub:
//
//	hubctl feeds --url http://localhost:8080
//
// Mint a connect token for manual testing:
//
//	hubctl token --identity alice --ttl 1h
//
// Store flags default to FEED_PROVIDER, REDIS_URL, DATABASE_URL and
// JWT_SECRET from the environment (or a .env file).
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
