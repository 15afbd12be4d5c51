//go:build !headless

package midi

import (
	"fmt"
	"sync"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

const rtmidiQueue = 512

func init() {
	Register("rtmidi", newRTMidi)
}

type rtmidiSource struct {
	drv *rtmididrv.Driver
}

func newRTMidi() (Source, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("rtmididrv: %w", err)
	}
	return &rtmidiSource{drv: drv}, nil
}

func (s *rtmidiSource) Name() string { return "rtmidi" }

func (s *rtmidiSource) Devices() ([]Device, error) {
	ins, err := s.drv.Ins()
	if err != nil {
		return nil, err
	}
	devices := make([]Device, 0, len(ins))
	for _, in := range ins {
		devices = append(devices, Device{ID: in.Number(), Name: in.String()})
	}
	return devices, nil
}

func (s *rtmidiSource) Open(id int) (Input, error) {
	ins, err := s.drv.Ins()
	if err != nil {
		return nil, err
	}
	var found drivers.In
	for _, in := range ins {
		if in.Number() == id {
			found = in
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("input %d not found", id)
	}
	if err := found.Open(); err != nil {
		return nil, fmt.Errorf("open %q: %w", found.String(), err)
	}

	input := &rtmidiInput{port: found, queue: make(chan ControlChange, rtmidiQueue)}
	stop, err := midi.ListenTo(found, func(msg midi.Message, _ int32) {
		var ch, controller, value uint8
		if !msg.GetControlChange(&ch, &controller, &value) {
			return
		}
		pushLatest(input.queue, ControlChange{Controller: int(controller), Value: int(value)})
	}, midi.HandleError(func(listenErr error) {
		input.fail(listenErr)
	}))
	if err != nil {
		_ = found.Close()
		return nil, fmt.Errorf("listen %q: %w", found.String(), err)
	}
	input.stop = stop
	return input, nil
}

func (s *rtmidiSource) Close() error {
	return s.drv.Close()
}

type rtmidiInput struct {
	port  drivers.In
	queue chan ControlChange
	stop  func()
	once  sync.Once

	mu  sync.Mutex
	err error
}

func (in *rtmidiInput) fail(err error) {
	in.mu.Lock()
	in.err = err
	in.mu.Unlock()
}

func (in *rtmidiInput) Poll() (bool, error) {
	in.mu.Lock()
	err := in.err
	in.mu.Unlock()
	if err != nil {
		return false, err
	}
	return len(in.queue) > 0, nil
}

func (in *rtmidiInput) Read(max int) ([]ControlChange, error) {
	var out []ControlChange
	for len(out) < max {
		select {
		case cc := <-in.queue:
			out = append(out, cc)
		default:
			return out, nil
		}
	}
	return out, nil
}

func (in *rtmidiInput) Close() error {
	var err error
	in.once.Do(func() {
		if in.stop != nil {
			in.stop()
		}
		err = in.port.Close()
	})
	return err
}
