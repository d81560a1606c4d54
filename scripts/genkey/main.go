// genkey writes a persistent Ed25519 key pair for Kensa JWT signing.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey [-dir data]
//
// Point KENSA_JWT_PRIVATE_KEY and KENSA_JWT_PUBLIC_KEY at the written files.
// Without them the server signs with an ephemeral pair and every restart
// invalidates issued tokens.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ashita-ai/kensa/internal/auth"
)

func main() {
	dir := flag.String("dir", "data", "directory for the PEM files")
	flag.Parse()

	privPath := filepath.Join(*dir, "jwt_private.pem")
	pubPath := filepath.Join(*dir, "jwt_public.pem")

	if err := auth.WriteKeyPair(privPath, pubPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)
	fmt.Printf("export KENSA_JWT_PRIVATE_KEY=%s KENSA_JWT_PUBLIC_KEY=%s\n", privPath, pubPath)
}
