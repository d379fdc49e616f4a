package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/eldtechnologies/agentlink/internal/crypto"
)

func main() {
	agentID := flag.String("agent", "", "Agent ID to save the key under (after POST /register)")
	dir := flag.String("dir", "./keys", "Key directory read by the server (KEY_DIR)")
	seedFile := flag.String("seed", "", "Existing seed file to re-save instead of generating a key")
	flag.Parse()

	var (
		ks  *crypto.LocalKeyStore
		err error
	)
	if *seedFile != "" {
		ks, err = crypto.LoadKeyStore(*seedFile)
	} else {
		ks, err = crypto.GenerateKeyStore()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Public key (base64): %s\n", ks.PublicKeyBase64())

	if *agentID == "" {
		fmt.Printf("Seed (base64):       %s\n", ks.Seed())
		return
	}

	path, err := crypto.SaveKeyStore(*dir, *agentID, ks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Saved to:            %s\n", path)
}
