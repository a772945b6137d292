package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Ronifue/peershare/internal/engine"
	"github.com/Ronifue/peershare/internal/queue"
)

var sendCmd = &cobra.Command{
	Use:   "send <file>...",
	Short: "Send files to the peer in the room",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

func init() {
	addCommonFlags(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	var progressMu sync.Mutex
	var onProgress func(p engine.Progress)
	callbacks := engine.Callbacks{
		OnSendProgress: func(p engine.Progress) {
			progressMu.Lock()
			f := onProgress
			progressMu.Unlock()
			if f != nil {
				f(p)
			}
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "transfer error: %v\n", err)
		},
	}

	s, err := dialSession(engine.DefaultConfig(), callbacks)
	if err != nil {
		return err
	}
	defer s.close()

	// Build the FIFO queue before waiting for the peer.
	state := queue.State{}
	now := time.Now().UnixMilli()
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return fmt.Errorf("cannot queue %s: %w", arg, err)
		}
		state = queue.Reduce(state, queue.Enqueue{
			ID:         uuid.NewString(),
			Name:       filepath.Base(arg),
			Path:       arg,
			TotalBytes: info.Size(),
			Now:        now,
		})
	}

	fmt.Printf("waiting for a peer in room %q...\n", flagRoom)
	select {
	case <-s.channelOpen:
	case <-s.driver.Done():
		return fmt.Errorf("rendezvous connection closed before a peer arrived")
	}

	for {
		progressMu.Lock()
		item, ok := queue.NextQueued(state)
		progressMu.Unlock()
		if !ok {
			break
		}
		progressMu.Lock()
		state = queue.Reduce(state, queue.MarkSending{ID: item.ID, Now: time.Now().UnixMilli()})
		progressMu.Unlock()

		bar := progressbar.DefaultBytes(item.TotalBytes, item.Name)
		current := item.ID
		progressMu.Lock()
		onProgress = func(p engine.Progress) {
			_ = bar.Set64(p.Bytes)
			progressMu.Lock()
			state = queue.Reduce(state, queue.UpdateProgress{ID: current, SentBytes: p.Bytes, Now: time.Now().UnixMilli()})
			progressMu.Unlock()
		}
		progressMu.Unlock()

		start := time.Now()
		err := s.engine.SendFile(context.Background(), item.Path)
		_ = bar.Finish()
		progressMu.Lock()
		if err != nil {
			state = queue.Reduce(state, queue.MarkFailed{ID: item.ID, Message: err.Error(), Now: time.Now().UnixMilli()})
			progressMu.Unlock()
			fmt.Fprintf(os.Stderr, "failed to send %s: %v\n", item.Name, err)
			continue
		}
		state = queue.Reduce(state, queue.MarkCompleted{ID: item.ID, Now: time.Now().UnixMilli()})
		progressMu.Unlock()
		rate := float64(item.TotalBytes) / time.Since(start).Seconds()
		fmt.Printf("sent %s (%s, %s/s)\n", item.Name,
			humanize.Bytes(uint64(item.TotalBytes)), humanize.Bytes(uint64(rate)))
	}

	progressMu.Lock()
	defer progressMu.Unlock()
	failed := 0
	for _, it := range state.Items {
		if it.Status == queue.StatusFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(state.Items))
	}
	return nil
}
