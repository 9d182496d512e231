package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	defaultBenchIterations = 10
	defaultBenchSize       = 1 << 20
)

// BenchmarkDisk times size-byte write+fsync+read round trips in dir and
// returns the throughput in MB/s. The figure is only a rough scaling factor.
func BenchmarkDisk(ctx context.Context, dir string, iterations, size int) (float64, error) {
	if iterations <= 0 {
		iterations = defaultBenchIterations
	}
	if size <= 0 {
		size = defaultBenchSize
	}

	f, err := os.CreateTemp(dir, "perfcore-bench-*")
	if err != nil {
		return 0, fmt.Errorf("create scratch file: %w", err)
	}
	name := f.Name()
	defer func() {
		_ = f.Close()
		_ = os.Remove(name)
	}()

	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i)
	}
	rbuf := make([]byte, size)

	var elapsed time.Duration
	for range iterations {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		start := time.Now()
		if _, err := f.WriteAt(buf, 0); err != nil {
			return 0, fmt.Errorf("write: %w", err)
		}
		if err := f.Sync(); err != nil {
			return 0, fmt.Errorf("fsync: %w", err)
		}
		if _, err := f.ReadAt(rbuf, 0); err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("read: %w", err)
		}
		elapsed += time.Since(start)
	}
	if elapsed <= 0 {
		elapsed = time.Microsecond
	}
	// each iteration moves the buffer twice
	mb := float64(2*size*iterations) / (1 << 20)
	return mb / elapsed.Seconds(), nil
}
