package vault

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/voxnote/voxnote/internal/domain"
)

// Signals are the stable, non-identifying environment inputs to the
// device fingerprint. Browser clients report screen and canvas values;
// HostSignals fills the equivalents a server process can observe.
type Signals struct {
	ScreenWidth  int    `json:"screenWidth"`
	ScreenHeight int    `json:"screenHeight"`
	ColorDepth   int    `json:"colorDepth"`
	Timezone     string `json:"timezone"`
	Language     string `json:"language"`
	Platform     string `json:"platform"`
	UserAgent    string `json:"userAgent"`
	CanvasData   string `json:"canvasData"`
}

// digest joins the signals, pre-hashing the high-entropy ones.
func (s Signals) digest() string {
	parts := []string{
		fmt.Sprintf("%dx%dx%d", s.ScreenWidth, s.ScreenHeight, s.ColorDepth),
		s.Timezone,
		s.Language,
		s.Platform,
		domain.SHA256Hex([]byte(s.UserAgent)),
		domain.SHA256Hex([]byte(s.CanvasData)),
	}
	return domain.SHA256Hex([]byte(strings.Join(parts, "|")))
}

// machineIDPaths are read in order; the first non-empty one wins.
var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// HostSignals gathers signals for the running process. Only inputs that
// stay put across shells, service managers and rebuilds are used: the
// platform, the hostname and the machine id. app names the application
// and must not carry a version.
func HostSignals(app string) Signals {
	host, _ := os.Hostname()
	return Signals{
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		UserAgent:  app,
		CanvasData: host + "|" + machineID(),
	}
}

func machineID() string {
	for _, p := range machineIDPaths {
		if b, err := os.ReadFile(p); err == nil {
			if id := strings.TrimSpace(string(b)); id != "" {
				return id
			}
		}
	}
	return ""
}
