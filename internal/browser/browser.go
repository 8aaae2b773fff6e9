// Package browser opens URLs in the system's default web browser and offers
// a clipboard fallback for environments where opening fails.
package browser

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/atotto/clipboard"
	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

// OpenURL opens the URL in the default browser, trying the platform-agnostic
// library first and falling back to OS-specific commands.
func OpenURL(url string) error {
	if err := open.Run(url); err == nil {
		log.Debug("browser: opened URL via open-golang")
		return nil
	}
	return openPlatformSpecific(url)
}

// CopyURL places the URL on the system clipboard so the user can paste it
// into a browser manually. Best effort; failures are reported, not fatal.
func CopyURL(url string) error {
	if err := clipboard.WriteAll(url); err != nil {
		return fmt.Errorf("browser: copy to clipboard failed: %w", err)
	}
	return nil
}

func openPlatformSpecific(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "linux":
		for _, browser := range []string{"xdg-open", "x-www-browser", "firefox", "chromium", "google-chrome"} {
			if _, err := exec.LookPath(browser); err == nil {
				cmd = exec.Command(browser, url)
				break
			}
		}
		if cmd == nil {
			return fmt.Errorf("browser: no suitable browser found")
		}
	default:
		return fmt.Errorf("browser: unsupported operating system: %s", runtime.GOOS)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("browser: start command failed: %w", err)
	}
	return nil
}
