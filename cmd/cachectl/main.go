// Command cachectl is the operator CLI for a running tiercached
// instance. All subcommands except verify talk to the daemon's HTTP
// API; verify inspects a cache directory offline.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultAddr = "http://127.0.0.1:8640"

func main() {
	logger := log.New(os.Stderr, "cachectl ", log.LstdFlags)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "stats":
		err = runStats(args)
	case "verify":
		err = runVerify(args)
	case "get":
		err = runGet(args)
	case "put":
		err = runPut(args)
	case "remove":
		err = runRemove(args)
	case "clear":
		err = runClear(args)
	case "resolve":
		err = runResolve(args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Fatalf("%s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: cachectl <command> [flags]

commands:
  stats              print cache, DNS, and pool stats
  verify -dir DIR    check a cache directory's index against its files
  get KEY            print a cache entry's bytes to stdout
  put KEY FILE       store FILE under KEY ("-" reads stdin)
  remove KEY         delete one cache entry
  clear              delete all cache entries
  resolve HOST       resolve HOST through the daemon's DNS cache

All commands except verify accept -addr (default %s).
`, defaultAddr)
}

// addrFlagSet builds a flag set carrying the shared -addr flag.
func addrFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "Base URL of the tiercached API")
	return fs, addr
}

func newClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// do issues a request and fails on any non-2xx status, surfacing the
// API's error body.
func do(client *http.Client, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}
	return resp, nil
}

func runStats(args []string) error {
	fs, addr := addrFlagSet("stats")
	fs.Parse(args)

	resp, err := do(newClient(), http.MethodGet, *addr+"/stats", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}
	pretty, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}

func runGet(args []string) error {
	fs, addr := addrFlagSet("get")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: cachectl get KEY")
	}

	resp, err := do(newClient(), http.MethodGet, *addr+"/cache/"+fs.Arg(0), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

func runPut(args []string) error {
	fs, addr := addrFlagSet("put")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: cachectl put KEY FILE")
	}
	key, path := fs.Arg(0), fs.Arg(1)

	var body io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		body = f
	}

	resp, err := do(newClient(), http.MethodPut, *addr+"/cache/"+key, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	fmt.Printf("stored %s\n", key)
	return nil
}

func runRemove(args []string) error {
	fs, addr := addrFlagSet("remove")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: cachectl remove KEY")
	}

	resp, err := do(newClient(), http.MethodDelete, *addr+"/cache/"+fs.Arg(0), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	fmt.Printf("removed %s\n", fs.Arg(0))
	return nil
}

func runClear(args []string) error {
	fs, addr := addrFlagSet("clear")
	fs.Parse(args)

	resp, err := do(newClient(), http.MethodDelete, *addr+"/cache", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	fmt.Println("cleared")
	return nil
}

func runResolve(args []string) error {
	fs, addr := addrFlagSet("resolve")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: cachectl resolve HOST")
	}

	resp, err := do(newClient(), http.MethodGet, *addr+"/dns/"+fs.Arg(0), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var payload struct {
		Host      string   `json:"host"`
		Addresses []string `json:"addresses"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}
	for _, addr := range payload.Addresses {
		fmt.Println(addr)
	}
	return nil
}
