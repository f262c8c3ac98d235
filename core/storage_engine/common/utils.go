package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 64 * 1024 // 64 KiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// CopyThrottled copies srcPath to dstPath, truncating the destination, at no
// more than rateBytesPerSec (unlimited when <= 0). The destination is synced
// before returning. It returns the number of bytes copied.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		burst := chunkSize
		if rateBytesPerSec < int64(burst) {
			burst = int(rateBytesPerSec)
		}
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), burst)
	}

	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	var copied int64
	for {
		// Keep each chunk within the limiter's burst.
		want := len(buf)
		if limiter != nil && limiter.Burst() < want {
			want = limiter.Burst()
		}
		n, rerr := src.ReadAt(buf[:want], copied)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return copied, fmt.Errorf("rate limiter error: %w", err)
				}
			} else if err := ctx.Err(); err != nil {
				return copied, err
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return copied, fmt.Errorf("write error: %w", werr)
			}
			copied += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return copied, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return copied, fmt.Errorf("sync error: %w", err)
	}
	return copied, nil
}
