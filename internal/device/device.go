// Package device describes the compute backends a pool schedules onto.
package device

import (
	"errors"
	"fmt"
	"strings"
)

// Device is the immutable identity of one compute backend.
//
// Name is the scheduling identity (e.g. "cuda", "cuda:1", "cpu"); Provider
// selects the native runtime backend (e.g. "CUDAExecutionProvider").
// Options are passed to the backend untouched.
type Device struct {
	Name     string         `json:"name"`
	Provider string         `json:"provider"`
	Options  map[string]any `json:"options,omitempty"`
}

func (d Device) String() string {
	return d.Name + " - " + d.Provider
}

// RuntimeDevice returns the device string used by tensor runtimes:
// accelerator names pass through, everything else runs on "cpu".
func (d Device) RuntimeDevice() string {
	if strings.HasPrefix(d.Name, "cuda") {
		return d.Name
	}
	return "cpu"
}

// Option returns a backend option by name.
func (d Device) Option(name string) (any, bool) {
	if d.Options == nil {
		return nil, false
	}
	v, ok := d.Options[name]
	return v, ok
}

var ErrNoDevices = errors.New("no devices configured")

// Validate checks a device list: at least one device, names and providers
// set, names unique.
func Validate(devices []Device) error {
	if len(devices) == 0 {
		return ErrNoDevices
	}
	seen := make(map[string]int, len(devices))
	for i, d := range devices {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return fmt.Errorf("devices[%d]: name is required", i)
		}
		if name != d.Name {
			return fmt.Errorf("devices[%d]: name %q has surrounding whitespace", i, d.Name)
		}
		if strings.TrimSpace(d.Provider) == "" {
			return fmt.Errorf("devices[%d] (%s): provider is required", i, d.Name)
		}
		if j, dup := seen[name]; dup {
			return fmt.Errorf("devices[%d]: duplicate name %q (first at devices[%d])", i, name, j)
		}
		seen[name] = i
	}
	return nil
}

// Index returns the position of the device named name, or -1.
func Index(devices []Device, name string) int {
	for i := range devices {
		if devices[i].Name == name {
			return i
		}
	}
	return -1
}

// Clone returns a deep-enough copy so callers can't mutate a pool's devices.
func Clone(devices []Device) []Device {
	out := make([]Device, len(devices))
	for i, d := range devices {
		out[i] = d
		if d.Options != nil {
			opts := make(map[string]any, len(d.Options))
			for k, v := range d.Options {
				opts[k] = v
			}
			out[i].Options = opts
		}
	}
	return out
}
