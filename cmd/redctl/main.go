// Command redctl is the operator's thin client for the cyberredd control
// socket: list sessions, start/pause/resume/stop engagements, attach to a
// live event stream, stop the daemon.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyberred/cyberred/internal/ipc"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	base := os.Getenv("CYBERRED_STORAGE__BASE_PATH")
	if base == "" {
		base = "/var/lib/cyberred"
	}
	socketPath := filepath.Join(base, ipc.SocketName)

	var err error
	switch os.Args[1] {
	case "sessions":
		err = call(socketPath, ipc.CmdSessionsList, nil)
	case "start":
		if len(os.Args) < 3 {
			fatal("usage: redctl start <config.yaml> [--ignore-warnings]")
		}
		params := map[string]interface{}{"config_path": os.Args[2]}
		if len(os.Args) > 3 && os.Args[3] == "--ignore-warnings" {
			params["ignore_warnings"] = true
		}
		err = call(socketPath, ipc.CmdEngagementStart, params)
	case "pause":
		err = call(socketPath, ipc.CmdEngagementPause, engagementParams())
	case "resume":
		err = call(socketPath, ipc.CmdEngagementResume, engagementParams())
	case "stop":
		err = call(socketPath, ipc.CmdEngagementStop, engagementParams())
	case "attach":
		err = attach(socketPath, engagementParams())
	case "daemon-stop":
		err = call(socketPath, ipc.CmdDaemonStop, nil)
	case "reload":
		err = call(socketPath, ipc.CmdDaemonConfigReload, nil)
	case "version":
		fmt.Printf("redctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func engagementParams() map[string]interface{} {
	if len(os.Args) < 3 {
		fatal("usage: redctl " + os.Args[1] + " <engagement-id>")
	}
	return map[string]interface{}{"engagement_id": os.Args[2]}
}

func call(socketPath, command string, params map[string]interface{}) error {
	client, err := ipc.Dial(socketPath, 5*time.Second)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Call(command, params, nil)
	if err != nil {
		return err
	}
	if resp.Status == "error" {
		return fmt.Errorf("%s", resp.Error)
	}
	pretty, _ := json.MarshalIndent(resp.Data, "", "  ")
	fmt.Println(string(pretty))
	return nil
}

// attach subscribes and prints the event stream until the daemon closes the
// connection or announces shutdown.
func attach(socketPath string, params map[string]interface{}) error {
	client, err := ipc.Dial(socketPath, 5*time.Second)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Call(ipc.CmdEngagementAttach, params, nil)
	if err != nil {
		return err
	}
	if resp.Status == "error" {
		return fmt.Errorf("%s", resp.Error)
	}
	snapshot, _ := json.MarshalIndent(resp.Data, "", "  ")
	fmt.Println(string(snapshot))

	for {
		event, err := client.ReadEvent(0)
		if err != nil {
			return nil
		}
		line, _ := json.Marshal(event)
		fmt.Println(string(line))
		if event.EventType == ipc.EventDaemonShutdown {
			return nil
		}
	}
}

func printUsage() {
	fmt.Println(`redctl - cyberredd control client

Usage:
  redctl sessions
  redctl start <config.yaml> [--ignore-warnings]
  redctl pause|resume|stop <engagement-id>
  redctl attach <engagement-id>
  redctl daemon-stop
  redctl reload
  redctl version

Environment:
  CYBERRED_STORAGE__BASE_PATH  storage root holding daemon.sock (default /var/lib/cyberred)`)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
