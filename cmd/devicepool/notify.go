package main

import (
	"fmt"
	"os"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notifyReady tells systemd (Type=notify units) the pool is serving.
// Outside systemd NOTIFY_SOCKET is unset and this is a no-op.
func notifyReady() { sdNotify(daemon.SdNotifyReady) }

func notifyStopping() { sdNotify(daemon.SdNotifyStopping) }

func sdNotify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		fmt.Fprintln(os.Stderr, "systemd notify failed:", err)
	}
}
