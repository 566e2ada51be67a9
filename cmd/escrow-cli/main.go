package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"escrowd/crypto"
)

var rpcEndpoint = defaultRPCEndpoint()
var rpcAuthToken = os.Getenv("ESCROWD_RPC_TOKEN")

func defaultRPCEndpoint() string {
	if env := strings.TrimSpace(os.Getenv("ESCROWD_RPC_URL")); env != "" {
		return env
	}
	return "http://localhost:8645"
}

func main() {
	args := os.Args[1:]
	args = applyGlobalFlags(args)

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "generate-key":
		generateKey()
	case "initiate":
		if len(args) < 4 {
			fail("usage: initiate <client> <freelancer> <amount,...> [arbitrator]")
		}
		arbitrator := ""
		if len(args) > 4 {
			arbitrator = args[4]
		}
		initiate(args[1], args[2], strings.Split(args[3], ","), arbitrator)
	case "deposit":
		if len(args) < 4 {
			fail("usage: deposit <id> <caller> <amount>")
		}
		deposit(args[1], args[2], args[3])
	case "release":
		if len(args) < 4 {
			fail("usage: release <id> <caller> <milestone>")
		}
		milestone, err := strconv.ParseUint(args[3], 10, 32)
		if err != nil {
			fail("invalid milestone index: " + args[3])
		}
		release(args[1], args[2], uint32(milestone))
	case "refund":
		if len(args) < 3 {
			fail("usage: refund <id> <caller>")
		}
		actorCall("escrow_refund", args[1], args[2])
	case "dispute":
		if len(args) < 3 {
			fail("usage: dispute <id> <caller>")
		}
		actorCall("escrow_dispute", args[1], args[2])
	case "resolve":
		if len(args) < 4 {
			fail("usage: resolve <id> <caller> <release|refund>")
		}
		resolve(args[1], args[2], args[3])
	case "get":
		if len(args) < 2 {
			fail("usage: get <id>")
		}
		call("escrow_get", map[string]string{"id": args[1]})
	case "credit":
		if len(args) < 3 {
			fail("usage: credit <account> <amount>")
		}
		call("escrow_credit", map[string]string{"account": args[1], "amount": args[2]})
	case "balance":
		if len(args) < 2 {
			fail("usage: balance <account>")
		}
		call("escrow_balance", map[string]string{"account": args[1]})
	case "events":
		after := uint64(0)
		if len(args) > 1 {
			parsed, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				fail("invalid sequence: " + args[1])
			}
			after = parsed
		}
		call("escrow_events", map[string]interface{}{"after": after, "limit": 100})
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		printUsage()
		os.Exit(1)
	}
}

func applyGlobalFlags(args []string) []string {
	remaining := args[:0:0]
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--rpc" && i+1 < len(args):
			rpcEndpoint = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--rpc="):
			rpcEndpoint = strings.TrimPrefix(args[i], "--rpc=")
		default:
			remaining = append(remaining, args[i])
		}
	}
	return remaining
}

func printUsage() {
	fmt.Println(`escrow-cli [--rpc <url>] <command>

Commands:
  generate-key                                     create a new keypair and print its address
  initiate <client> <freelancer> <amounts> [arb]   create an agreement (amounts comma separated)
  deposit <id> <caller> <amount>                   fund an agreement
  release <id> <caller> <milestone>                release the next milestone
  refund <id> <caller>                             refund the unreleased remainder
  dispute <id> <caller>                            freeze the agreement for arbitration
  resolve <id> <caller> <release|refund>           settle a disputed agreement
  get <id>                                         print an agreement
  credit <account> <amount>                        credit an account balance
  balance <account>                                print an account balance
  events [after]                                   print recent ledger events

Environment:
  ESCROWD_RPC_URL    RPC endpoint (default http://localhost:8645)
  ESCROWD_RPC_TOKEN  bearer token for mutating calls`)
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func generateKey() {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fail("generate key: " + err.Error())
	}
	addr := key.PubKey().Address()
	fmt.Printf("address: %s\n", addr.String())
	fmt.Printf("private: %s\n", hex.EncodeToString(key.Bytes()))
}

func initiate(client, freelancer string, amounts []string, arbitrator string) {
	params := map[string]interface{}{
		"client":     client,
		"freelancer": freelancer,
		"milestones": amounts,
	}
	if strings.TrimSpace(arbitrator) != "" {
		params["arbitrator"] = arbitrator
	}
	call("escrow_initiate", params)
}

func deposit(id, caller, amount string) {
	call("escrow_deposit", map[string]string{"id": id, "caller": caller, "amount": amount})
}

func release(id, caller string, milestone uint32) {
	call("escrow_release", map[string]interface{}{"id": id, "caller": caller, "milestone": milestone})
}

func actorCall(method, id, caller string) {
	call(method, map[string]string{"id": id, "caller": caller})
}

func resolve(id, caller, outcome string) {
	call("escrow_resolve", map[string]string{"id": id, "caller": caller, "outcome": outcome})
}

type rpcPayload struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

func call(method string, params interface{}) {
	payload, err := json.Marshal(rpcPayload{
		JSONRPC: "2.0",
		Method:  method,
		Params:  []interface{}{params},
		ID:      1,
	})
	if err != nil {
		fail("encode request: " + err.Error())
	}
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewReader(payload))
	if err != nil {
		fail("build request: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if rpcAuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+rpcAuthToken)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fail("call node: " + err.Error())
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		fail("read response: " + err.Error())
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Println(pretty.String())
}
