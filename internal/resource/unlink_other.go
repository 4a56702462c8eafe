//go:build !unix

package resource

import "errors"

func removePath(string) error {
	return errors.New("kernel-namespace unlink is only supported on unix platforms")
}
