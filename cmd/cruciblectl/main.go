package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/throw-if-null/crucible/internal/api"
	"github.com/throw-if-null/crucible/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "start":
		start(os.Args[2:])
	case "status":
		status(os.Args[2:])
	case "list":
		list(os.Args[2:])
	case "confirm":
		confirm(os.Args[2:])
	case "feedback":
		feedback(os.Args[2:])
	case "complete":
		complete(os.Args[2:])
	case "cancel":
		cancelSession(os.Args[2:])
	case "version":
		fmt.Printf("cruciblectl %s (%s)\n", version.Version, version.Commit)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	_, _ = fmt.Fprintln(os.Stderr, "usage:")
	_, _ = fmt.Fprintln(os.Stderr, "  cruciblectl start --description <text>")
	_, _ = fmt.Fprintln(os.Stderr, "  cruciblectl status <session-id>")
	_, _ = fmt.Fprintln(os.Stderr, "  cruciblectl list")
	_, _ = fmt.Fprintln(os.Stderr, "  cruciblectl confirm <session-id>")
	_, _ = fmt.Fprintln(os.Stderr, "  cruciblectl feedback <session-id> --message <text> [--stage <name>]")
	_, _ = fmt.Fprintln(os.Stderr, "  cruciblectl complete <session-id>")
	_, _ = fmt.Fprintln(os.Stderr, "  cruciblectl cancel <session-id>")
	_, _ = fmt.Fprintln(os.Stderr, "  cruciblectl version")
}

func baseURL() string {
	return fmt.Sprintf("http://%s:%d", api.DefaultHost, api.DefaultPort)
}

func start(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	var description string
	fs.StringVar(&description, "description", "", "application description")
	_ = fs.Parse(args)

	if description == "" {
		fs.Usage()
		os.Exit(2)
	}

	doPost(baseURL()+"/v1/sessions", api.StartSessionRequest{Description: description})
}

func status(args []string) {
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}
	doGet(baseURL() + "/v1/sessions/" + args[0])
}

func list(args []string) {
	if len(args) != 0 {
		usage()
		os.Exit(2)
	}
	doGet(baseURL() + "/v1/sessions")
}

func confirm(args []string) {
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}
	doPost(baseURL()+"/v1/sessions/"+args[0]+"/confirm", nil)
}

func feedback(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}
	sessionID := args[0]

	fs := flag.NewFlagSet("feedback", flag.ExitOnError)
	var message, stageName string
	fs.StringVar(&message, "message", "", "correction for the generator")
	fs.StringVar(&stageName, "stage", "", "roll back to this confirmed stage")
	_ = fs.Parse(args[1:])

	if message == "" {
		fs.Usage()
		os.Exit(2)
	}

	doPost(baseURL()+"/v1/sessions/"+sessionID+"/feedback",
		api.FeedbackRequest{Feedback: message, TargetStage: stageName})
}

func complete(args []string) {
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}
	doPost(baseURL()+"/v1/sessions/"+args[0]+"/complete", nil)
}

func cancelSession(args []string) {
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}
	doPost(baseURL()+"/v1/sessions/"+args[0]+"/cancel", nil)
}

func doPost(url string, body any) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			fatal(err)
		}
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(url, "application/json", &buf)
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	printResponse(resp)
}

func doGet(url string) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	printResponse(resp)
}

func printResponse(resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fatal(err)
	}
	if resp.StatusCode >= 400 {
		fatal(fmt.Errorf("request failed: %s: %s", resp.Status, string(body)))
	}
	fmt.Println(string(body))
}

func fatal(err error) {
	_, _ = fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
