package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/votenet/votenet/internal/votenet/types"
)

// votenetctl is a small operator console against one node's HTTP API.

type client struct {
	base string
	http *http.Client
}

func (c *client) get(path string) (string, error) {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return readPretty(resp)
}

func (c *client) post(path string, body any) (string, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return "", err
		}
	}
	resp, err := c.http.Post(c.base+path, "application/json", &buf)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return readPretty(resp)
}

func readPretty(resp *http.Response) (string, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var indented bytes.Buffer
	if err := json.Indent(&indented, raw, "", "  "); err != nil {
		return fmt.Sprintf("[%d] %s", resp.StatusCode, string(raw)), nil
	}
	return fmt.Sprintf("[%d]\n%s", resp.StatusCode, indented.String()), nil
}

func usage() string {
	return strings.Join([]string{
		"Available commands:",
		"  health                                  node health summary",
		"  status                                  election and peer state",
		"  vote <election> <voter> <candidate>     submit a vote",
		"  votestatus <vote_id>                    look up one vote",
		"  results <election>                      election tally",
		"  reset <election>                        wipe one election",
		"  help                                    this text",
		"  exit                                    quit",
	}, "\n")
}

func main() {
	addr := flag.String("addr", "http://localhost:5000", "base url of the node's http api")
	flag.Parse()

	c := &client{
		base: strings.TrimRight(*addr, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}

	rl, err := readline.New("votenet> ")
	if err != nil {
		panic(err)
	}
	defer rl.Close()

	fmt.Printf("Connected to %s\n", c.base)
	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF, readline.ErrInterrupt
			break
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}

		var out string
		switch args[0] {
		case "health", "h":
			out, err = c.get("/health")
		case "status", "s":
			out, err = c.get("/status")
		case "vote", "v":
			if len(args) != 4 {
				fmt.Println("usage: vote <election> <voter> <candidate>")
				continue
			}
			out, err = c.post("/votes", types.Vote{
				VoterID:     args[2],
				ElectionID:  args[1],
				CandidateID: args[3],
				Timestamp:   types.TimeToUnixSeconds(time.Now()),
			})
		case "votestatus":
			if len(args) != 2 {
				fmt.Println("usage: votestatus <vote_id>")
				continue
			}
			out, err = c.get("/votes/" + args[1])
		case "results", "r":
			if len(args) != 2 {
				fmt.Println("usage: results <election>")
				continue
			}
			out, err = c.get("/elections/" + args[1] + "/results")
		case "reset":
			if len(args) != 2 {
				fmt.Println("usage: reset <election>")
				continue
			}
			out, err = c.post("/elections/"+args[1]+"/reset", nil)
		case "help":
			fmt.Println(usage())
			continue
		case "exit", "quit":
			return
		default:
			fmt.Println("Unknown command, use help to see available commands")
			continue
		}

		if err != nil {
			fmt.Println("error:", err)
			continue
		}
		fmt.Println(out)
	}
}
