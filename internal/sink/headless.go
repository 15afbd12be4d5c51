//go:build headless

package sink

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-live/internal/config"
)

var errHeadless = errors.New("device output not compiled into headless build")

func init() {
	unavailable := func(config.AudioConfig, *slog.Logger) (Backend, error) { return nil, errHeadless }
	Register("portaudio", unavailable)
	Register("oto", unavailable)
}
