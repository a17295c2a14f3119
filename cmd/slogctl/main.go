// Command slogctl is an interactive and scriptable client for one slogd
// node's HTTP submit endpoint.
//
// Grounded on cmd/gojodb_cli/main.go's command dispatch (put/get/delete,
// one-shot args or an interactive loop) and on go-ycsb's shell.go for the
// interactive loop itself, rebuilt on chzyer/readline instead of a bare
// bufio.Scanner so history and ^C/^D behave like a real shell.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
)

var (
	addr    = flag.String("addr", "http://127.0.0.1:8080", "slogd node's HTTP address")
	timeout = flag.Duration("timeout", 10*time.Second, "request timeout")
)

type clientKey struct {
	Key   string `json:"key"`
	Write bool   `json:"write"`
	Value string `json:"value,omitempty"`
}

type clientTxn struct {
	Keys      []clientKey `json:"keys"`
	Procedure string      `json:"procedure,omitempty"`
	Remaster  *int32      `json:"remaster_to,omitempty"`
}

type result struct {
	TxnID       uint64            `json:"txn_id"`
	Status      string            `json:"status"`
	AbortReason string            `json:"abort_reason,omitempty"`
	Values      map[string]string `json:"values,omitempty"`
}

func submit(txn clientTxn) (result, error) {
	body, err := json.Marshal(txn)
	if err != nil {
		return result{}, err
	}
	httpClient := http.Client{Timeout: *timeout}
	resp, err := httpClient.Post(*addr+"/submit", "application/json", bytes.NewReader(body))
	if err != nil {
		return result{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return result{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return result{}, fmt.Errorf("slogctl: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	var res result
	if err := json.Unmarshal(data, &res); err != nil {
		return result{}, fmt.Errorf("slogctl: decode response: %w (body: %s)", err, data)
	}
	return res, nil
}

func printResult(res result) {
	fmt.Printf("txn=%d status=%s", res.TxnID, res.Status)
	if res.AbortReason != "" {
		fmt.Printf(" abort_reason=%s", res.AbortReason)
	}
	fmt.Println()
	for k, v := range res.Values {
		fmt.Printf("  %s = %q\n", k, v)
	}
}

// processCommand parses and executes one CLI command.
func processCommand(args []string) {
	if len(args) == 0 {
		return
	}
	switch strings.ToLower(args[0]) {
	case "get":
		if len(args) < 2 {
			fmt.Println("error: get requires a key")
			return
		}
		res, err := submit(clientTxn{Keys: []clientKey{{Key: args[1], Write: false}}})
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		printResult(res)

	case "put":
		if len(args) < 3 {
			fmt.Println("error: put requires a key and a value")
			return
		}
		value := strings.Join(args[2:], " ")
		res, err := submit(clientTxn{
			Keys:      []clientKey{{Key: args[1], Write: true, Value: value}},
			Procedure: "SET " + args[1] + " " + value,
		})
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		printResult(res)

	case "delete":
		if len(args) < 2 {
			fmt.Println("error: delete requires a key")
			return
		}
		res, err := submit(clientTxn{Keys: []clientKey{{Key: args[1], Write: true, Value: ""}}})
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		printResult(res)

	case "remaster":
		if len(args) < 3 {
			fmt.Println("error: remaster requires a key and a new master replica id")
			return
		}
		var newMaster int32
		if _, err := fmt.Sscanf(args[2], "%d", &newMaster); err != nil {
			fmt.Println("error: invalid replica id:", args[2])
			return
		}
		res, err := submit(clientTxn{
			Keys:     []clientKey{{Key: args[1], Write: true}},
			Remaster: &newMaster,
		})
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		printResult(res)

	case "help":
		fmt.Println("Commands:")
		fmt.Println("  get <key>")
		fmt.Println("  put <key> <value>")
		fmt.Println("  delete <key>")
		fmt.Println("  remaster <key> <new_master_replica>")
		fmt.Println("  help")
		fmt.Println("  exit / quit")

	case "exit", "quit":
		os.Exit(0)

	default:
		fmt.Println("error: unknown command, type 'help' for a list")
	}
}

func shellLoop() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "slogctl» ",
		HistoryFile:       "/tmp/slogctl_history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "slogctl:", err)
		os.Exit(1)
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		processCommand(strings.Fields(line))
	}
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		shellLoop()
		return
	}
	processCommand(args)
}
