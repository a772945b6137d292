package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Ronifue/peershare/internal/engine"
	"github.com/Ronifue/peershare/internal/sink"
)

var flagOutDir string

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Accept files from the peer in the room",
	RunE:  runReceive,
}

func init() {
	addCommonFlags(receiveCmd)
	receiveCmd.Flags().StringVar(&flagOutDir, "out", ".", "directory to write received files into")
}

func runReceive(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(flagOutDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	callbacks := engine.Callbacks{
		OnOffer: func(meta engine.FileMetadata) {
			fmt.Printf("receiving %s (%s)\n", meta.Name, humanize.Bytes(uint64(meta.Size)))
		},
		OnFileProgress: func(p engine.Progress) {
			fmt.Printf("\r%s: %d%%", p.Name, p.Percent)
		},
		OnFileReceived: func(f engine.ReceivedFile) {
			fmt.Println()
			dest := filepath.Join(flagOutDir, filepath.Base(f.Metadata.Name))
			if err := deliver(f.Result, dest); err != nil {
				fmt.Fprintf(os.Stderr, "saving %s: %v\n", f.Metadata.Name, err)
				return
			}
			fmt.Printf("received %s (%s) -> %s\n", f.Metadata.Name,
				humanize.Bytes(uint64(f.Result.Size)), dest)
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "transfer error: %v\n", err)
		},
	}

	cfg := engine.DefaultConfig()
	cfg.DownloadDir = flagOutDir

	s, err := dialSession(cfg, callbacks)
	if err != nil {
		return err
	}
	defer s.close()

	fmt.Printf("waiting in room %q for files... (ctrl-c to stop)\n", flagRoom)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-s.driver.Done():
	case <-sigCh:
	}
	return nil
}

// deliver moves a finalized file to its destination, falling back to a copy
// when the sink lives on another filesystem.
func deliver(result sink.Result, dest string) error {
	if result.StorageMode == sink.StorageModeMemory {
		return os.WriteFile(dest, result.Bytes, 0o644)
	}
	if err := os.Rename(result.Path, dest); err == nil {
		return nil
	}
	src, err := os.Open(result.Path)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(result.Path)
}
