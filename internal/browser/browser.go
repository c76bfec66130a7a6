// Package browser opens the external authorization URL for
// authorization_code-shaped OAuth flows: the generic OAuth2 provider and
// every vendor provider call OpenURL rather than expecting the host
// process to already be a browser. OpenURL takes the Configure call's
// context so a user cancelling mid-authorization aborts the
// platform-specific fallback command rather than leaving it to finish in
// the background.
package browser

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

// OpenURL opens url in the host's default browser, for the duration of
// ctx. The open-golang library is tried first since it covers the common
// desktop platforms in one call; platform-specific commands are the
// fallback for environments it doesn't recognize.
func OpenURL(ctx context.Context, url string) error {
	log.WithField("url", url).Debug("authmethod: opening authorization URL in browser")

	if err := open.Run(url); err == nil {
		log.Debug("authmethod: opened authorization URL via open-golang")
		return nil
	} else {
		log.WithError(err).Debug("authmethod: open-golang failed, falling back to a platform-specific command")
	}

	return openURLPlatformSpecific(ctx, url)
}

// openURLPlatformSpecific opens url using a platform-specific command,
// bound to ctx so cancelling the authorization wait kills it.
func openURLPlatformSpecific(ctx context.Context, url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	case "linux":
		browsers := []string{"xdg-open", "x-www-browser", "www-browser", "firefox", "chromium", "google-chrome"}
		for _, name := range browsers {
			if _, err := exec.LookPath(name); err == nil {
				cmd = exec.CommandContext(ctx, name, url)
				break
			}
		}
		if cmd == nil {
			return fmt.Errorf("authmethod: no suitable browser found on Linux system")
		}
	default:
		return fmt.Errorf("authmethod: unsupported operating system: %s", runtime.GOOS)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("authmethod: failed to start browser command: %w", err)
	}
	log.WithField("command", cmd.Path).Debug("authmethod: started platform-specific browser command")
	return nil
}
