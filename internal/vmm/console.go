package vmm

import (
	"context"
	"io"
	"os"
	"time"
)

// TailConsole copies data appended to the VM's log file into out until ctx
// is cancelled. The file is polled, Firecracker keeps appending to it for
// the lifetime of the VM.
func TailConsole(ctx context.Context, path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			continue
		}

		if err != nil && err != io.EOF {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
