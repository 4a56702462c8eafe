//go:build unix

package resource

import (
	"errors"

	"golang.org/x/sys/unix"
)

func removePath(path string) error {
	err := unix.Unlink(path)
	if err == nil || errors.Is(err, unix.ENOENT) {
		return nil
	}
	return err
}
