package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/matheus3301/wppsync/internal/api"
	"github.com/matheus3301/wppsync/internal/client"
	"github.com/matheus3301/wppsync/internal/lock"
	"github.com/matheus3301/wppsync/internal/session"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	out := output{json: *jsonFlag, w: os.Stdout}
	if args[0] == "sessions" {
		if err := cmdSessions(out); err != nil {
			fatalf("%v", err)
		}
		return
	}

	c, err := client.New(session.SocketPath(sessionName))
	if err != nil {
		fatalf("cannot connect to daemon for session %q: %v", sessionName, err)
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "status":
		err = cmdStatus(ctx, c, out)
	case "pending":
		err = cmdPending(ctx, c, out, args[1:])
	case "enqueue":
		err = cmdEnqueue(ctx, c, out, args[1:])
	case "drain":
		err = cmdDrain(ctx, c, out)
	case "watch":
		err = cmdWatch(ctx, c, out)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		if grpcstatus.Code(err) == codes.Unavailable {
			explainUnreachable(sessionName)
		}
		fatalf("%v", err)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wppsyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                         Show sync state")
	fmt.Fprintln(os.Stderr, "  pending [--limit n]            List pending messages")
	fmt.Fprintln(os.Stderr, "  enqueue [flags] <chat> <text>  Queue a message for delivery")
	fmt.Fprintln(os.Stderr, "  drain                          Run a drain pass now")
	fmt.Fprintln(os.Stderr, "  watch                          Stream sync state changes")
	fmt.Fprintln(os.Stderr, "  sessions                       List known sessions")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// explainUnreachable tells a stopped daemon apart from a broken one.
func explainUnreachable(sessionName string) {
	h, err := lock.ReadHolder(session.LockPath(sessionName))
	switch {
	case errors.Is(err, lock.ErrNotHeld):
		fmt.Fprintf(os.Stderr, "daemon for session %q is not running (start it with: wppsyncd --session %s)\n", sessionName, sessionName)
	case err == nil:
		fmt.Fprintf(os.Stderr, "daemon for session %q is running as PID %d\n", sessionName, h.PID)
	}
}

func unary(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 10*time.Second)
}

func cmdStatus(ctx context.Context, c *client.Client, out output) error {
	ctx, cancel := unary(ctx)
	defer cancel()
	st, err := c.Outbox.GetSyncState(ctx, &api.GetSyncStateRequest{})
	if err != nil {
		return err
	}
	if out.json {
		return out.encode(st)
	}
	out.printState(st)
	return nil
}

func cmdPending(ctx context.Context, c *client.Client, out output, args []string) error {
	fs := flag.NewFlagSet("pending", flag.ExitOnError)
	limit := fs.Int("limit", 0, "maximum entries to list (default 100)")
	_ = fs.Parse(args)

	ctx, cancel := unary(ctx)
	defer cancel()
	resp, err := c.Outbox.ListPending(ctx, &api.ListPendingRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if out.json {
		return out.encode(resp)
	}
	if len(resp.Messages) == 0 {
		fmt.Fprintln(out.w, "No pending messages.")
		return nil
	}
	tw := tabwriter.NewWriter(out.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCHAT\tTYPE\tSTATUS\tATTEMPTS\tCREATED")
	for _, m := range resp.Messages {
		attempts := fmt.Sprintf("%d/%d", m.Attempts, m.MaxAttempts)
		if m.Exhausted {
			attempts += " (gave up)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", m.ID, m.ChatID, m.Type, m.Status, attempts,
			time.UnixMilli(m.CreatedAtUnixMs).Format(time.DateTime))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out.w, "\n%d pending\n", resp.PendingCount)
	return nil
}

func cmdEnqueue(ctx context.Context, c *client.Client, out output, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	typ := fs.String("type", "text", "message type: text, image, audio, video, document")
	file := fs.String("file", "", "local attachment path")
	maxAttempts := fs.Int("max-attempts", 0, "attempt ceiling (default 5)")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		return errors.New("usage: wppsyncctl enqueue [--type t] [--file path] [--max-attempts n] <chat> [text...]")
	}

	ctx, cancel := unary(ctx)
	defer cancel()
	resp, err := c.Outbox.Enqueue(ctx, &api.EnqueueRequest{
		ChatID:        fs.Arg(0),
		Content:       strings.Join(fs.Args()[1:], " "),
		Type:          *typ,
		AttachmentRef: *file,
		MaxAttempts:   *maxAttempts,
	})
	if err != nil {
		return err
	}
	if out.json {
		return out.encode(resp)
	}
	fmt.Fprintf(out.w, "Queued %s for %s\n", resp.Message.ID, resp.Message.ChatID)
	return nil
}

func cmdDrain(ctx context.Context, c *client.Client, out output) error {
	// A pass may back off between retries, so it gets more time than other calls.
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	rep, err := c.Outbox.Drain(ctx, &api.DrainRequest{})
	if err != nil {
		return err
	}
	if out.json {
		return out.encode(rep)
	}
	if rep.Skipped {
		fmt.Fprintln(out.w, "A drain is already running.")
		return nil
	}
	fmt.Fprintf(out.w, "Attempted: %d\nDelivered: %d\nFailed:    %d\nRemaining: %d (%d retryable)\n",
		rep.Attempted, rep.Delivered, rep.Failed, rep.Remaining, rep.Retryable)
	if rep.Deferred > 0 {
		fmt.Fprintln(out.w, "Stopped early: the send API is not accepting requests.")
	}
	if rep.Error != "" {
		fmt.Fprintf(out.w, "Error:     %s\n", rep.Error)
	}
	return nil
}

func cmdWatch(ctx context.Context, c *client.Client, out output) error {
	stream, err := c.Outbox.WatchSyncState(ctx, &api.WatchSyncStateRequest{})
	if err != nil {
		return err
	}
	for {
		st, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if out.json {
			if err := out.encode(st); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(out.w, "%s  phase=%s pending=%d reachable=%v\n",
			time.Now().Format(time.TimeOnly), st.Phase, st.PendingCount, st.Reachable)
	}
}

type sessionInfo struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	DaemonRunning bool   `json:"daemon_running"`
	PID           int    `json:"pid,omitempty"`
}

func cmdSessions(out output) error {
	names, err := session.List()
	if err != nil {
		return err
	}
	infos := make([]sessionInfo, 0, len(names))
	for _, n := range names {
		info := sessionInfo{Name: n, Path: session.Dir(n)}
		if h, err := lock.ReadHolder(session.LockPath(n)); err == nil {
			info.DaemonRunning, info.PID = true, h.PID
		}
		infos = append(infos, info)
	}
	if out.json {
		return out.encode(infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(out.w, "No sessions found.")
		return nil
	}
	for _, s := range infos {
		running := "stopped"
		if s.DaemonRunning {
			running = fmt.Sprintf("running, pid %d", s.PID)
		}
		fmt.Fprintf(out.w, "%-20s %s (%s)\n", s.Name, s.Path, running)
	}
	return nil
}

type output struct {
	json bool
	w    io.Writer
}

func (o output) encode(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o output) printState(st *api.SyncState) {
	fmt.Fprintf(o.w, "Session:   %s\n", st.Session)
	fmt.Fprintf(o.w, "Phase:     %s\n", st.Phase)
	fmt.Fprintf(o.w, "Pending:   %d\n", st.PendingCount)
	fmt.Fprintf(o.w, "Reachable: %v\n", st.Reachable)
	if st.LastSyncAtUnixMs == 0 {
		fmt.Fprintln(o.w, "Last sync: never")
		return
	}
	fmt.Fprintf(o.w, "Last sync: %s\n", time.UnixMilli(st.LastSyncAtUnixMs).Format(time.DateTime))
}
