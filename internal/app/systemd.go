package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	"clinicjobs/pkg/logx"
)

// sdNotify is swapped in tests.
var sdNotify = daemon.SdNotify

// notifySystemd reports state to systemd when running under Type=notify.
// Outside systemd (NOTIFY_SOCKET unset) it is a no-op.
func notifySystemd(log logx.Logger, state string) {
	sent, err := sdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}
