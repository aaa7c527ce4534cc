package fileutil

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
)

// copyVerified streams src into dst, keeping the source permissions, and
// compares a SHA-256 of what was read with what was written. dst is removed
// on any failure.
func copyVerified(src, dst string) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, fmt.Errorf("stat source: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}
	fail := func(err error) (int64, error) {
		_ = out.Close()
		_ = os.Remove(dst)
		return 0, err
	}

	read, wrote := sha256.New(), sha256.New()
	n, err := io.Copy(io.MultiWriter(out, wrote), io.TeeReader(in, read))
	if err != nil {
		return fail(err)
	}
	if err := out.Sync(); err != nil {
		return fail(fmt.Errorf("sync %s: %w", dst, err))
	}
	if n != info.Size() {
		return fail(fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", info.Size(), n))
	}
	if !bytes.Equal(read.Sum(nil), wrote.Sum(nil)) {
		return fail(fmt.Errorf("copy hash mismatch for %s", src))
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return 0, err
	}
	return n, nil
}
