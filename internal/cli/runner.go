// Package cli implements the agthub operator command line.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/g960059/agthub/internal/api"
	"github.com/g960059/agthub/internal/appclient"
	"github.com/g960059/agthub/internal/config"
)

const (
	envHubURL = "AGTHUB_URL"
	envToken  = "AGTHUB_TOKEN"
)

type Runner struct {
	httpClient *http.Client
	lookupEnv  func(string) (string, bool)
	out        io.Writer
	errOut     io.Writer
}

func NewRunner(out, errOut io.Writer) *Runner {
	return NewRunnerWithClient(nil, os.LookupEnv, out, errOut)
}

func NewRunnerWithClient(client *http.Client, lookupEnv func(string) (string, bool), out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if lookupEnv == nil {
		lookupEnv = func(string) (string, bool) { return "", false }
	}
	return &Runner{httpClient: client, lookupEnv: lookupEnv, out: out, errOut: errOut}
}

type globalOptions struct {
	hubURL string
	token  string
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	opts, rest, err := r.parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	if opts.token == "" {
		_, _ = fmt.Fprintf(r.errOut, "error: --token or %s is required\n", envToken)
		return 2
	}
	client := appclient.NewWithClient(opts.hubURL, opts.token, r.httpClient)
	switch rest[0] {
	case "sessions":
		return r.runSessions(ctx, client, rest[1:])
	case "machines":
		return r.runMachines(ctx, client, rest[1:])
	case "restart":
		return r.runRestart(ctx, client, rest[1:])
	case "events":
		return r.runEvents(ctx, client, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

// parseGlobalArgs pulls --hub and --token out of args. Everything else is
// left for the subcommand.
func (r *Runner) parseGlobalArgs(args []string) (globalOptions, []string, error) {
	opts := globalOptions{hubURL: "http://" + config.DefaultConfig().ListenAddr}
	if v, ok := r.lookupEnv(envHubURL); ok && strings.TrimSpace(v) != "" {
		opts.hubURL = strings.TrimSpace(v)
	}
	if v, ok := r.lookupEnv(envToken); ok {
		opts.token = strings.TrimSpace(v)
	}
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		var target *string
		switch name {
		case "--hub":
			target = &opts.hubURL
		case "--token":
			target = &opts.token
		default:
			rest = append(rest, args[i])
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return opts, nil, fmt.Errorf("%s requires value", name)
			}
			value = args[i+1]
			i++
		}
		*target = strings.TrimSpace(value)
	}
	return opts, rest, nil
}

func newFlagSet(name string) (*pflag.FlagSet, *bool) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	return fs, jsonOut
}

// rawObject parses a flag value that must be a JSON object or be empty.
func rawObject(flagName, value string) (json.RawMessage, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(value), &decoded); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object", flagName)
	}
	return json.RawMessage(value), nil
}

func (r *Runner) runSessions(ctx context.Context, client *appclient.Client, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: agthub sessions <create|get|messages>")
		return 2
	}
	switch args[0] {
	case "create":
		fs, jsonOut := newFlagSet("sessions create")
		tag := fs.String("tag", "", "session tag")
		machineID := fs.String("machine", "", "machine id")
		metadata := fs.String("metadata", "", "metadata JSON object")
		agentState := fs.String("agent-state", "", "agent state JSON object")
		if err := fs.Parse(args[1:]); err != nil {
			return r.usageErr(err)
		}
		if strings.TrimSpace(*tag) == "" && fs.NArg() > 0 {
			*tag = fs.Arg(0)
		}
		if strings.TrimSpace(*tag) == "" {
			_, _ = fmt.Fprintln(r.errOut, "usage: agthub sessions create --tag <tag> [--machine <id>] [--metadata <json>]")
			return 2
		}
		meta, err := rawObject("metadata", *metadata)
		if err != nil {
			return r.usageErr(err)
		}
		state, err := rawObject("agent-state", *agentState)
		if err != nil {
			return r.usageErr(err)
		}
		sess, err := client.CreateSession(ctx, api.CreateSessionRequest{
			Tag:        strings.TrimSpace(*tag),
			MachineID:  strings.TrimSpace(*machineID),
			Metadata:   meta,
			AgentState: state,
		})
		if err != nil {
			return r.handleErr(err)
		}
		return r.printSession(sess, *jsonOut)
	case "get":
		fs, jsonOut := newFlagSet("sessions get")
		if err := fs.Parse(args[1:]); err != nil {
			return r.usageErr(err)
		}
		if fs.NArg() != 1 {
			_, _ = fmt.Fprintln(r.errOut, "usage: agthub sessions get <session-id>")
			return 2
		}
		sess, err := client.GetSession(ctx, fs.Arg(0))
		if err != nil {
			return r.handleErr(err)
		}
		return r.printSession(sess, *jsonOut)
	case "messages":
		fs, jsonOut := newFlagSet("sessions messages")
		afterSeq := fs.Int64("after", 0, "only messages with seq greater than this")
		limit := fs.Int("limit", 0, "maximum number of messages")
		if err := fs.Parse(args[1:]); err != nil {
			return r.usageErr(err)
		}
		if fs.NArg() != 1 || *afterSeq < 0 || *limit < 0 {
			_, _ = fmt.Fprintln(r.errOut, "usage: agthub sessions messages <session-id> [--after <seq>] [--limit <n>]")
			return 2
		}
		msgs, err := client.Messages(ctx, fs.Arg(0), *afterSeq, *limit)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(api.MessagesEnvelope{Messages: msgs})
		}
		for _, m := range msgs {
			localID := "-"
			if m.LocalID != nil {
				localID = *m.LocalID
			}
			_, _ = fmt.Fprintf(r.out, "%d\t%s\t%s\t%s\n", m.Seq, m.ID, localID, compactJSON(m.Content))
		}
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown sessions command: %s\n", args[0])
		return 2
	}
}

func (r *Runner) runMachines(ctx context.Context, client *appclient.Client, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: agthub machines <register|get|spawn>")
		return 2
	}
	switch args[0] {
	case "register":
		fs, jsonOut := newFlagSet("machines register")
		metadata := fs.String("metadata", "", "metadata JSON object")
		runnerState := fs.String("runner-state", "", "runner state JSON object")
		if err := fs.Parse(args[1:]); err != nil {
			return r.usageErr(err)
		}
		if fs.NArg() != 1 {
			_, _ = fmt.Fprintln(r.errOut, "usage: agthub machines register <machine-id> [--metadata <json>]")
			return 2
		}
		meta, err := rawObject("metadata", *metadata)
		if err != nil {
			return r.usageErr(err)
		}
		state, err := rawObject("runner-state", *runnerState)
		if err != nil {
			return r.usageErr(err)
		}
		m, err := client.RegisterMachine(ctx, api.CreateMachineRequest{ID: fs.Arg(0), Metadata: meta, RunnerState: state})
		if err != nil {
			return r.handleErr(err)
		}
		return r.printMachine(m, *jsonOut)
	case "get":
		fs, jsonOut := newFlagSet("machines get")
		if err := fs.Parse(args[1:]); err != nil {
			return r.usageErr(err)
		}
		if fs.NArg() != 1 {
			_, _ = fmt.Fprintln(r.errOut, "usage: agthub machines get <machine-id>")
			return 2
		}
		m, err := client.GetMachine(ctx, fs.Arg(0))
		if err != nil {
			return r.handleErr(err)
		}
		return r.printMachine(m, *jsonOut)
	case "spawn":
		fs, jsonOut := newFlagSet("machines spawn")
		var req api.SpawnRequest
		fs.StringVar(&req.Directory, "dir", "", "working directory on the machine")
		fs.StringVar(&req.Agent, "agent", "", "agent flavor")
		fs.StringVar(&req.Model, "model", "", "model name")
		fs.BoolVar(&req.Yolo, "yolo", false, "skip permission prompts")
		fs.StringVar(&req.SessionType, "session-type", "", "simple or worktree")
		fs.StringVar(&req.WorktreeName, "worktree-name", "", "worktree name")
		fs.StringVar(&req.WorktreeBranch, "worktree-branch", "", "worktree branch")
		fs.StringVar(&req.InitialPrompt, "prompt", "", "initial prompt")
		if err := fs.Parse(args[1:]); err != nil {
			return r.usageErr(err)
		}
		if fs.NArg() != 1 || strings.TrimSpace(req.Directory) == "" {
			_, _ = fmt.Fprintln(r.errOut, "usage: agthub machines spawn <machine-id> --dir <path> [--agent <name>] [--prompt <text>]")
			return 2
		}
		resp, err := client.Spawn(ctx, fs.Arg(0), req)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			if code := r.printJSON(resp); code != 0 {
				return code
			}
		} else if resp.Type == "success" {
			_, _ = fmt.Fprintf(r.out, "spawned session %s\n", resp.SessionID)
		}
		if resp.Type == "error" {
			_, _ = fmt.Fprintf(r.errOut, "error: spawn failed: %s\n", resp.Message)
			return 1
		}
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown machines command: %s\n", args[0])
		return 2
	}
}

func (r *Runner) runRestart(ctx context.Context, client *appclient.Client, args []string) int {
	fs, jsonOut := newFlagSet("restart")
	machineID := fs.String("machine", "", "restrict to sessions on this machine")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	resp, err := client.RestartSessions(ctx, api.RestartRequest{
		SessionIDs: fs.Args(),
		MachineID:  strings.TrimSpace(*machineID),
	})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	failed := false
	for _, res := range resp.Results {
		line := res.SessionID + "\t" + res.Status
		if res.Name != "" {
			line += "\t" + res.Name
		}
		if res.Error != "" {
			line += "\t" + res.Error
		}
		_, _ = fmt.Fprintln(r.out, line)
		if res.Status == "failed" {
			failed = true
		}
	}
	if failed {
		return 1
	}
	return 0
}

func (r *Runner) runEvents(ctx context.Context, client *appclient.Client, args []string) int {
	fs := pflag.NewFlagSet("events", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	sessionID := fs.String("session", "", "follow one session")
	machineID := fs.String("machine", "", "follow one machine")
	once := fs.Bool("once", false, "exit when the stream ends instead of reconnecting")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	enc := json.NewEncoder(r.out)
	err := client.FollowEvents(ctx, appclient.FollowOptions{
		SessionID: *sessionID,
		MachineID: *machineID,
		Once:      *once,
	}, func(ev api.SyncEvent) error {
		return enc.Encode(ev)
	})
	if err == nil || errors.Is(err, context.Canceled) || (*once && errors.Is(err, io.ErrUnexpectedEOF)) {
		return 0
	}
	return r.handleErr(err)
}

func (r *Runner) printSession(s api.Session, jsonOut bool) int {
	if jsonOut {
		return r.printJSON(api.SessionEnvelope{Session: s})
	}
	machine := "-"
	if s.MachineID != nil {
		machine = *s.MachineID
	}
	state := "inactive"
	if s.Active {
		state = "active"
	}
	_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\tseq=%d\n", s.ID, s.Tag, machine, state, s.Seq)
	return 0
}

func (r *Runner) printMachine(m api.Machine, jsonOut bool) int {
	if jsonOut {
		return r.printJSON(api.MachineEnvelope{Machine: m})
	}
	state := "offline"
	if m.Active {
		state = "online"
	}
	_, _ = fmt.Fprintf(r.out, "%s\t%s\tmetadata@%d\trunner@%d\n", m.ID, state, m.MetadataVersion, m.RunnerStateVersion)
	return 0
}

func (r *Runner) printJSON(v any) int {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func (r *Runner) usageErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 2
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: agthub [--hub <url>] [--token <token>] <sessions|machines|restart|events> ...")
}
