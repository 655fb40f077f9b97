// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// stagePath names the cache copy for one generation: cache/<stem>.<gen><ext>.
func stagePath(cacheDir, fileName string, gen uint64) string {
	ext := filepath.Ext(fileName)
	stem := strings.TrimSuffix(fileName, ext)
	return filepath.Join(cacheDir, fmt.Sprintf("%s.%d%s", stem, gen, ext))
}

// stage copies src to dst. A build tool may still be writing src, so
// transient failures are retried a few times. A missing source is final.
func (w *Watcher) stage(ctx context.Context, src, dst string) error {
	backoff := retry.WithMaxRetries(w.copyRetries, retry.NewConstant(w.copyBackoff))
	return retry.Do(ctx, backoff, func(_ context.Context) error { //nolint:wrapcheck // callers wrap with file context
		err := copyFile(src, dst)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return err
		}
		w.logger.Debug("staging copy failed, retrying", "src", src, "error", err)
		return retry.RetryableError(err)
	})
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src) //nolint:gosec // src lives in the install directory
	if err != nil {
		return err //nolint:wrapcheck // wrapped by stage callers
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o700) //nolint:gosec // dst lives in the cache directory
	if err != nil {
		return err //nolint:wrapcheck // wrapped by stage callers
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return err //nolint:wrapcheck // wrapped by stage callers
	}
	return out.Sync() //nolint:wrapcheck // wrapped by stage callers
}

// Default staging retry policy.
const (
	defaultCopyRetries = 3
	defaultCopyBackoff = 50 * time.Millisecond
)
