package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/fluxworkflow/flux/internal/config"
)

// runWorkflow is the CLI's thin HTTP client over the running server's API
// (internal/serverapi.Routes), matching spec.md §6's command table. It never touches
// storage or the catalog directly: everything goes through the same endpoints an SDK
// caller would use.
func runWorkflow(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: workflow {register,run,resume,status} ...")
	}
	baseURL := config.WorkerFromEnv().ServerURL

	switch args[0] {
	case "register":
		return workflowRegister(baseURL, args[1:])
	case "run":
		return workflowRun(baseURL, args[1:])
	case "resume":
		return workflowResume(baseURL, args[1:])
	case "status":
		return workflowStatus(baseURL, args[1:])
	default:
		return fmt.Errorf("unknown workflow subcommand %q", args[0])
	}
}

func workflowRegister(baseURL string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: workflow register <file>")
	}
	body, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read catalog entry: %w", err)
	}
	return postJSON(baseURL+"/workflows", body, os.Stdout)
}

// flagValue pulls "--name value" out of args, returning the remaining positional
// args with the flag and its value removed.
func flagValue(args []string, name string) (value string, rest []string) {
	for i := 0; i < len(args); i++ {
		if args[i] == name && i+1 < len(args) {
			value = args[i+1]
			rest = append(append([]string{}, args[:i]...), args[i+2:]...)
			return value, rest
		}
	}
	return "", args
}

func workflowRun(baseURL string, args []string) error {
	md, args := flagValue(args, "--mode")
	if md == "" {
		md = "sync"
	}
	version, args := flagValue(args, "--version")
	if len(args) != 2 {
		return fmt.Errorf("usage: workflow run <name> <json-input> [--mode sync|async|stream] [--version v]")
	}
	name, input := args[0], args[1]

	url := fmt.Sprintf("%s/workflows/%s/run/%s", baseURL, name, md)
	if version != "" {
		url += "?version=" + version
	}
	return streamOrPostJSON(url, []byte(input), md)
}

func workflowResume(baseURL string, args []string) error {
	md, args := flagValue(args, "--mode")
	if md == "" {
		md = "sync"
	}
	if len(args) != 3 {
		return fmt.Errorf("usage: workflow resume <name> <execution_id> <json-input> [--mode sync|async|stream]")
	}
	name, id, payload := args[0], args[1], args[2]

	url := fmt.Sprintf("%s/workflows/%s/resume/%s/%s", baseURL, name, id, md)
	return streamOrPostJSON(url, []byte(payload), md)
}

func workflowStatus(baseURL string, args []string) error {
	detailed := hasFlag(args, "--detailed")
	args = removeFlag(args, "--detailed")
	if len(args) != 2 {
		return fmt.Errorf("usage: workflow status <name> <execution_id> [--detailed]")
	}
	name, id := args[0], args[1]

	url := fmt.Sprintf("%s/workflows/%s/status/%s", baseURL, name, id)
	if detailed {
		url += "?detailed=true"
	}
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(resp, os.Stdout)
}

// hasFlag reports whether a bare boolean flag (no value) appears in args. status's
// --detailed is such a flag, unlike --mode/--version which take a value.
func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}

// removeFlag drops a bare boolean flag from args, leaving positional arguments intact.
func removeFlag(args []string, name string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a != name {
			out = append(out, a)
		}
	}
	return out
}

func postJSON(url string, body []byte, out io.Writer) error {
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()
	return printResponse(resp, out)
}

// streamOrPostJSON issues the POST and, for stream mode, copies the SSE body to
// stdout line by line as it arrives instead of buffering the whole response.
func streamOrPostJSON(url string, body []byte, md string) error {
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return printResponse(resp, os.Stdout)
	}
	if md != "stream" {
		return printResponse(resp, os.Stdout)
	}
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return nil
}

func printResponse(resp *http.Response, out io.Writer) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		fmt.Fprintln(out, pretty.String())
		return nil
	}
	fmt.Fprintln(out, string(body))
	return nil
}
