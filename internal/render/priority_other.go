//go:build !unix

package render

import "errors"

func setPriority(pid, nice int) error {
	return errors.New("process priority not supported on this platform")
}
