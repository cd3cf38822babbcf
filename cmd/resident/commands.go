package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/leonletto/resident/internal/cli"
	"github.com/leonletto/resident/internal/daemon"
	"github.com/leonletto/resident/internal/failure"
	"github.com/leonletto/resident/internal/logging"
	"github.com/leonletto/resident/internal/notes"
	"github.com/leonletto/resident/internal/worker"
)

// echoChunkDelay separates the chunks echo streams.
const echoChunkDelay = 50 * time.Millisecond

var errStoreClosed = errors.New("note store is not open")

// hitCounter is state that only survives in a warm worker.
type hitCounter struct {
	n atomic.Int64
}

func (c *hitCounter) Hit() int64 { return c.n.Add(1) }

func (a *app) openStore(ctx context.Context) error {
	cfg := a.d.Config()
	store, err := notes.Open(filepath.Join(cfg.StateDir, cfg.Name+"-notes.db"))
	if err != nil {
		return err
	}
	a.storeMu.Lock()
	a.store = store
	a.storeMu.Unlock()
	return nil
}

func (a *app) closeStore(ctx context.Context) error {
	a.storeMu.Lock()
	defer a.storeMu.Unlock()
	err := a.store.Close()
	a.store = nil
	return err
}

func (a *app) noteStore() (*notes.Store, error) {
	a.storeMu.RLock()
	defer a.storeMu.RUnlock()
	if a.store == nil {
		return nil, errStoreClosed
	}
	return a.store, nil
}

func counterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "counter",
		Short: "Count invocations served by the current worker",
		Args:  cobra.NoArgs,
		RunE: cli.RunE(a.getDaemon, func(ctx context.Context, inv *daemon.Invocation, args []string) (int, error) {
			fmt.Fprintf(inv.Stdout, "hits: %d\n", a.hits.Hit())
			return 0, nil
		}),
	}
}

func noteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Keep short notes in the worker's store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <text>...",
		Short: "Add a note",
		Args:  cobra.MinimumNArgs(1),
		RunE: cli.RunE(a.getDaemon, func(ctx context.Context, inv *daemon.Invocation, args []string) (int, error) {
			store, err := a.noteStore()
			if err != nil {
				return 1, err
			}
			n, err := store.Add(ctx, strings.Join(args, " "))
			if err != nil {
				return 1, err
			}
			fmt.Fprintf(inv.Stdout, "✓ Added note %s\n", n.ID)
			return 0, nil
		}),
	})

	var flagLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List notes, oldest first",
		Args:  cobra.NoArgs,
		RunE: cli.RunE(a.getDaemon, func(ctx context.Context, inv *daemon.Invocation, args []string) (int, error) {
			if flagLimit < 0 {
				return 1, failure.Userf("--limit must not be negative, got %d", flagLimit)
			}
			store, err := a.noteStore()
			if err != nil {
				return 1, err
			}
			all, err := store.List(ctx, flagLimit)
			if err != nil {
				return 1, err
			}
			if len(all) == 0 {
				fmt.Fprintln(inv.Stdout, "No notes")
				return 0, nil
			}
			for _, n := range all {
				fmt.Fprintf(inv.Stdout, "%s  %s  %s\n", n.ID, n.CreatedAt.Local().Format(time.DateTime), n.Text)
			}
			return 0, nil
		}),
	}
	list.Flags().IntVar(&flagLimit, "limit", 0, "Show at most this many notes (0 for all)")
	cmd.AddCommand(list)

	return cmd
}

func echoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "echo <text>...",
		Short: "Stream text back in three chunks",
		RunE: cli.RunE(a.getDaemon, func(ctx context.Context, inv *daemon.Invocation, args []string) (int, error) {
			for i, chunk := range splitChunks(strings.Join(args, " ")+"\n", 3) {
				if i > 0 {
					select {
					case <-time.After(echoChunkDelay):
					case <-ctx.Done():
						return 1, ctx.Err()
					}
				}
				if _, err := inv.Stdout.Write([]byte(chunk)); err != nil {
					return 1, err
				}
			}
			return 0, nil
		}),
	}
}

// splitChunks cuts s into n pieces of near-equal length.
func splitChunks(s string, n int) []string {
	chunks := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lo, hi := len(s)*i/n, len(s)*(i+1)/n
		chunks = append(chunks, s[lo:hi])
	}
	return chunks
}

func sleepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sleep <duration>",
		Short: "Wait inside the worker; interrupting the client cancels it",
		Args:  cobra.ExactArgs(1),
		RunE: cli.RunE(a.getDaemon, func(ctx context.Context, inv *daemon.Invocation, args []string) (int, error) {
			d, err := time.ParseDuration(args[0])
			if err != nil {
				return 1, failure.Userf("invalid duration %q", args[0])
			}
			var finished atomic.Bool
			if inv.Session != nil {
				logger := a.d.Logger()
				id := inv.Session.ID()
				inv.Session.OnDisconnect(func() {
					if !finished.Load() {
						logger.Info("client went away, abandoning sleep",
							logging.String(logging.FieldSessionID, id))
					}
				})
			}

			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				finished.Store(true)
				fmt.Fprintf(inv.Stdout, "slept %s\n", d)
				return 0, nil
			case <-ctx.Done():
				return 1, ctx.Err()
			}
		}),
	}
}

type askRequest struct {
	Question string `json:"question"`
}

type askReply struct {
	Words  int    `json:"words"`
	Answer string `json:"answer"`
}

// handleMessage answers ask requests, yielding each word as it is
// considered.
func (a *app) handleMessage(ctx context.Context, req *worker.Request) (json.RawMessage, error) {
	var ask askRequest
	if err := json.Unmarshal(req.Payload, &ask); err != nil {
		return nil, failure.Userf("malformed request: %v", err)
	}
	words := strings.Fields(ask.Question)
	if len(words) == 0 {
		return nil, failure.User("ask needs a question")
	}
	for _, w := range words {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		partial, err := json.Marshal(w)
		if err != nil {
			return nil, err
		}
		if err := req.Yield(partial); err != nil {
			return nil, err
		}
	}
	return json.Marshal(askReply{
		Words:  len(words),
		Answer: strings.ToUpper(strings.Join(words, " ")),
	})
}

func askCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>...",
		Short: "Send a custom message and print its partial results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			call, err := a.d.Send(ctx, askRequest{Question: strings.Join(args, " ")}, daemon.SendOptions{AutoSpawn: true})
			if err != nil {
				return err
			}
			defer call.Discard()
			out := cmd.OutOrStdout()
			for p := range call.Partials() {
				var word string
				if err := json.Unmarshal(p, &word); err != nil {
					return fmt.Errorf("decode partial: %w", err)
				}
				fmt.Fprintf(out, "… %s\n", word)
			}
			raw, err := call.Wait(ctx)
			if err != nil {
				return err
			}
			var reply askReply
			if err := json.Unmarshal(raw, &reply); err != nil {
				return fmt.Errorf("decode reply: %w", err)
			}
			fmt.Fprintf(out, "%s (%d words)\n", reply.Answer, reply.Words)
			return nil
		},
	}
}

func reloadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Hand the worker over to a fresh successor",
		Args:  cobra.NoArgs,
		RunE: cli.RunE(a.getDaemon, func(ctx context.Context, inv *daemon.Invocation, args []string) (int, error) {
			if err := a.d.Restart(ctx); err != nil {
				return 1, err
			}
			fmt.Fprintln(inv.Stdout, "✓ Worker handed over to a successor")
			return 0, nil
		}),
	}
}
