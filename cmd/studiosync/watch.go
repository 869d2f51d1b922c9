package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/studiosync"
	"github.com/spf13/cobra"
)

var watchFor time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch [entity...]",
	Short: "Stream sync events until interrupted",
	Long: `Keep the engine running and print every event: connectivity changes,
queue drains, terminal failures and realtime record changes. With entity
arguments only those collections' record events are shown.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchFor, "for", 0, "Stop after this long (default: until interrupted)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if watchFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, watchFor)
		defer cancel()
	}

	s, err := openEngine(ctx, args...)
	if err != nil {
		return err
	}
	defer s.Close()

	only := make(map[string]bool, len(args))
	for _, a := range args {
		only[a] = true
	}

	// Listeners run on the publishing goroutine; serialize writes.
	var mu sync.Mutex
	out := cmd.OutOrStdout()
	unsubscribe := s.engine.Subscribe(func(ev studiosync.Event) {
		if ev.Entity != "" && len(only) > 0 && !only[ev.Entity] {
			return
		}
		mu.Lock()
		outputEvent(out, ev, time.Now())
		mu.Unlock()
	})
	defer unsubscribe()

	if !outputJSON {
		st := s.engine.Status()
		printMuted(out, "Watching %v (online: %t, pending: %d). Ctrl-C to stop.", s.engine.Entities(), st.IsOnline, st.QueueLength)
	}

	<-ctx.Done()
	return nil
}
