package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/eldtechnologies/agentlink/internal/crypto"
)

func main() {
	keyFile := flag.String("key", "", "Agent key file (base64 Ed25519 seed)")
	agentID := flag.String("agent", "", "Agent ID")
	bodyFile := flag.String("body", "", "File containing request body (or use stdin)")
	flag.Parse()

	if *keyFile == "" || *agentID == "" {
		fmt.Fprintln(os.Stderr, "Usage: sign -key <key-file> -agent <agent-id> [-body <file>]")
		fmt.Fprintln(os.Stderr, "  Reads body from stdin if -body not specified")
		os.Exit(1)
	}

	ks, err := crypto.LoadKeyStore(*keyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid key file: %v\n", err)
		os.Exit(1)
	}

	var body []byte
	if *bodyFile != "" {
		body, err = os.ReadFile(*bodyFile)
	} else {
		body, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read body: %v\n", err)
		os.Exit(1)
	}

	h := http.Header{}
	if err := crypto.SignRequest(h, *agentID, ks, body); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign: %v\n", err)
		os.Exit(1)
	}

	for _, name := range []string{crypto.HeaderAgent, crypto.HeaderNonce, crypto.HeaderTimestamp, crypto.HeaderSignature} {
		fmt.Printf("%s: %s\n", name, h.Get(name))
	}
}
