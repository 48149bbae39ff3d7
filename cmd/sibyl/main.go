package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/lectorlab/sibyl/internal/daemon"
	"github.com/lectorlab/sibyl/internal/export"
	"github.com/lectorlab/sibyl/internal/model"
	"github.com/lectorlab/sibyl/internal/setup"
	"github.com/lectorlab/sibyl/internal/status"
	"github.com/lectorlab/sibyl/internal/uds"
)

const version = "0.4.1"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "collect":
		runCollect(os.Args[2:])
	case "track":
		runTrack(os.Args[2:])
	case "action":
		runAction(os.Args[2:])
	case "suggest":
		runSuggest(os.Args[2:])
	case "export":
		runExport(os.Args[2:])
	case "version":
		fmt.Printf("sibyl %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: sibyl setup <project_dir> [--name <project>]")
		os.Exit(1)
	}

	projectDir := args[0]
	rest := args[1:]

	var name string
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--name":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			name = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: sibyl setup <project_dir> [--name <project>]\n", rest[i])
			os.Exit(1)
		}
	}

	if err := setup.Run(projectDir, name); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(projectDir)
	fmt.Printf("Initialized .sibyl/ in %s\n", absDir)
}

func runDaemon(_ []string) {
	sibylDir := findSibylDir()
	if sibylDir == "" {
		fmt.Fprintln(os.Stderr, "error: .sibyl/ directory not found. Run 'sibyl setup <dir>' first.")
		os.Exit(1)
	}

	cfg, err := loadConfig(sibylDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(sibylDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: sibyl status [--json]\n", a)
			os.Exit(1)
		}
	}

	sibylDir := findSibylDir()
	if sibylDir == "" {
		fmt.Fprintln(os.Stderr, "error: .sibyl/ directory not found. Run 'sibyl setup <dir>' first.")
		os.Exit(1)
	}

	if err := status.Run(sibylDir, jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runCollect(args []string) {
	var source, message, level, category, dataJSON string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--source":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--source requires a value")
				os.Exit(1)
			}
			i++
			source = args[i]
		case "--message":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--message requires a value")
				os.Exit(1)
			}
			i++
			message = args[i]
		case "--level":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--level requires a value")
				os.Exit(1)
			}
			i++
			level = args[i]
		case "--category":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--category requires a value")
				os.Exit(1)
			}
			i++
			category = args[i]
		case "--data":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--data requires a value")
				os.Exit(1)
			}
			i++
			dataJSON = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			fmt.Fprintln(os.Stderr, "usage: sibyl collect --source <src> --message <msg> [--level <debug|info|warn|error>] [--category <cat>] [--data <json>]")
			os.Exit(1)
		}
	}

	if source == "" || message == "" {
		fmt.Fprintln(os.Stderr, "required: --source, --message")
		fmt.Fprintln(os.Stderr, "usage: sibyl collect --source <src> --message <msg> [--level <debug|info|warn|error>] [--category <cat>] [--data <json>]")
		os.Exit(1)
	}

	params := map[string]any{
		"source":  source,
		"message": message,
	}
	if level != "" {
		params["level"] = level
	}
	if category != "" {
		params["category"] = category
	}
	if dataJSON != "" {
		var data map[string]any
		if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
			fmt.Fprintf(os.Stderr, "invalid --data JSON: %v\n", err)
			os.Exit(1)
		}
		params["data"] = data
	}

	printData(sendToDaemon("collect", params))
}

func runTrack(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: sibyl track <start|stop|status>")
		os.Exit(1)
	}

	switch args[0] {
	case "start":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: sibyl track start <subject_id>")
			os.Exit(1)
		}
		printData(sendToDaemon("track_start", map[string]any{"subject_id": args[1]}))
	case "stop":
		printData(sendToDaemon("track_stop", nil))
	case "status":
		printData(sendToDaemon("track_status", nil))
	default:
		fmt.Fprintf(os.Stderr, "unknown track subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: sibyl track <start|stop|status>")
		os.Exit(1)
	}
}

func runAction(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: sibyl action <action_type> [--payload <json>]")
		os.Exit(1)
	}

	actionType := args[0]
	rest := args[1:]

	var payloadJSON string
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--payload":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--payload requires a value")
				os.Exit(1)
			}
			i++
			payloadJSON = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: sibyl action <action_type> [--payload <json>]\n", rest[i])
			os.Exit(1)
		}
	}

	params := map[string]any{"action_type": actionType}
	if payloadJSON != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			fmt.Fprintf(os.Stderr, "invalid --payload JSON: %v\n", err)
			os.Exit(1)
		}
		params["payload"] = payload
	}

	printData(sendToDaemon("action", params))
}

func runSuggest(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: sibyl suggest <next|peek|outcome|queue> [options]")
		os.Exit(1)
	}

	switch args[0] {
	case "next":
		printData(sendToDaemon("suggest_next", nil))
	case "peek":
		printData(sendToDaemon("suggest_peek", nil))
	case "outcome":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: sibyl suggest outcome <suggestion_id> <accepted|rejected|dismissed>")
			os.Exit(1)
		}
		printData(sendToDaemon("suggest_outcome", map[string]any{
			"suggestion_id": args[1],
			"outcome":       args[2],
		}))
	case "queue":
		command := "queue_status"
		for _, a := range args[1:] {
			switch a {
			case "--debug":
				command = "queue_debug"
			default:
				fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: sibyl suggest queue [--debug]\n", a)
				os.Exit(1)
			}
		}
		printData(sendToDaemon(command, nil))
	default:
		fmt.Fprintf(os.Stderr, "unknown suggest subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: sibyl suggest <next|peek|outcome|queue> [options]")
		os.Exit(1)
	}
}

func runExport(args []string) {
	var limit int
	jsonOutput := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--limit":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--limit requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --limit value: %s\n", args[i])
				os.Exit(1)
			}
			limit = n
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: sibyl export [--limit <n>] [--json]\n", args[i])
			os.Exit(1)
		}
	}

	var params map[string]any
	if limit > 0 {
		params = map[string]any{"limit": limit}
	}

	data := sendToDaemon("export", params)
	if jsonOutput {
		printData(data)
		return
	}

	var d export.Data
	if err := json.Unmarshal(data, &d); err != nil {
		fmt.Fprintf(os.Stderr, "decode export: %v\n", err)
		os.Exit(1)
	}
	if err := export.Render(os.Stdout, d); err != nil {
		fmt.Fprintf(os.Stderr, "render export: %v\n", err)
		os.Exit(1)
	}
}

// sendToDaemon sends one command over the socket and exits the process on
// any transport or daemon-reported failure.
func sendToDaemon(command string, params any) json.RawMessage {
	sibylDir := findSibylDir()
	if sibylDir == "" {
		fmt.Fprintln(os.Stderr, "error: .sibyl/ directory not found. Run 'sibyl setup <dir>' first.")
		os.Exit(1)
	}

	client := uds.NewClient(filepath.Join(sibylDir, uds.DefaultSocketName))
	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}

	if !resp.Success {
		code := ""
		msg := "unknown error"
		if resp.Error != nil {
			code = resp.Error.Code
			msg = resp.Error.Message
		}
		fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", command, code, msg)
		os.Exit(1)
	}

	return resp.Data
}

func printData(data json.RawMessage) {
	out, _ := json.MarshalIndent(data, "", "  ")
	fmt.Println(string(out))
}

// findSibylDir searches for .sibyl/ in the current directory and ancestors.
func findSibylDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".sibyl")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func loadConfig(sibylDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(sibylDir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `sibyl %s - reading behavior suggestions

Usage: sibyl <command> [options]

Project:
  setup <dir> [--name <project>]  Initialize .sibyl/ directory
  daemon                          Run the pipeline daemon (foreground)
  status [--json]                 Show daemon and pipeline status

Collection (CLI -> Daemon):
  collect --source <src> --message <msg> [options]
                                  Record one behavior event
  track start <subject_id>        Start a collection session
  track stop                      Stop the collection session
  track status                    Show collection counters

Suggestions:
  action <action_type> [--payload <json>]
                                  Dispatch a pipeline action
  suggest next                    Present the next queued suggestion
  suggest peek                    Inspect the head without presenting it
  suggest outcome <id> <accepted|rejected|dismissed>
                                  Resolve the shown suggestion
  suggest queue [--debug]         Show the queue projection

Utilities:
  export [--limit <n>] [--json]   Render the diagnostics report
  version                         Show version
  help                            Show this help

`, version)
}
