//go:build headless

package midi

import "errors"

func init() {
	Register("rtmidi", func() (Source, error) {
		return nil, errors.New("rtmidi not compiled into headless build")
	})
}
