// AgentLink CLI - Command line client for AgentLink
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/eldtechnologies/agentlink/clients/go/agentlink"
	"github.com/eldtechnologies/agentlink/internal/events"
	"github.com/eldtechnologies/agentlink/internal/models"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	client := agentlink.NewClient(os.Getenv("AGENTLINK_URL"))
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "register":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: agentlink register <name> [capability,...]")
			os.Exit(1)
		}
		var caps []string
		if len(args) > 1 {
			caps = strings.Split(args[1], ",")
		}
		resp, err := client.Register(ctx, args[0], caps...)
		exitOnError(err)
		fmt.Printf("Registered as: %s\n", resp.ID)
		fmt.Printf("Key saved in:  %s\n", client.ConfigDir)

	case "who":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: agentlink who <agent_id>")
			os.Exit(1)
		}
		resp, err := client.GetAgent(ctx, args[0])
		exitOnError(err)
		printJSON(resp)

	case "send":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: agentlink send <agent_id> <action> [json_payload] [capability,...]")
			os.Exit(1)
		}
		req := agentlink.InitiateRequest{Receiver: args[0], Action: args[1]}
		if len(args) > 2 {
			req.Payload = json.RawMessage(args[2])
		}
		if len(args) > 3 {
			req.RequiredCapabilities = strings.Split(args[3], ",")
		}
		p, err := client.Initiate(ctx, req)
		exitOnError(err)
		printJSON(p)

	case "respond":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: agentlink respond <protocol_id> <accept|reject|error> [json_payload]")
			os.Exit(1)
		}
		var payload json.RawMessage
		if len(args) > 2 {
			payload = json.RawMessage(args[2])
		}
		p, err := client.Respond(ctx, args[0], models.Outcome(args[1]), payload)
		exitOnError(err)
		printJSON(p)

	case "status":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: agentlink status <protocol_id>")
			os.Exit(1)
		}
		p, err := client.Protocol(ctx, args[0])
		exitOnError(err)
		printJSON(p)

	case "open":
		open, err := client.OpenProtocols(ctx)
		exitOnError(err)
		for _, p := range open {
			fmt.Printf("  %s  %s -> %s  %s (%s)\n", p.ID, p.SenderID, p.ReceiverID, p.Action, p.Status)
		}

	case "watch":
		var topics []events.Topic
		for _, t := range args {
			topics = append(topics, events.Topic(t))
		}
		err := client.Watch(ctx, func(ev events.Event) error {
			fmt.Printf("[%s] %-16s %s %s %s\n", ev.Time.Format(time.TimeOnly), ev.Topic, ev.ProtocolID, ev.Status, ev.Error)
			return nil
		}, topics...)
		if err != nil && ctx.Err() == nil {
			exitOnError(err)
		}

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`AgentLink CLI - secure agent-to-agent protocols

Usage: agentlink <command> [options]

Commands:
  register <name> [caps]                 Register a new agent
  who <agent_id>                         Get agent profile
  send <agent_id> <action> [json] [caps] Open a protocol
  respond <protocol_id> <outcome> [json] Answer a protocol
  status <protocol_id>                   Show a protocol
  open                                   List open protocols
  watch [topic...]                       Stream your protocol events
  health                                 Check server health

Environment:
  AGENTLINK_URL      Server URL (default: http://localhost:8080)
  AGENTLINK_CONFIG   Config directory (default: ~/.agentlink)

The key saved by register must also be placed in the server's KEY_DIR
for the server to send and answer protocols on the agent's behalf.`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
