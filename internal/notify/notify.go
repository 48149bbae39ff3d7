// Package notify delivers desktop notifications for surfaced suggestions.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Send shows a desktop notification. On macOS it goes through osascript
// with sound; elsewhere it falls back to notify-send when installed.
func Send(title, message string) error {
	if runtime.GOOS == "darwin" {
		return sendAppleScript(title, message)
	}
	return sendNotifySend(title, message)
}

func sendAppleScript(title, message string) error {
	script := fmt.Sprintf(
		`display notification "%s" with title "%s" sound name "default"`,
		escapeAppleScript(message), escapeAppleScript(title),
	)

	out, err := exec.Command("osascript", "-e", script).CombinedOutput()
	if err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func sendNotifySend(title, message string) error {
	path, err := exec.LookPath("notify-send")
	if err != nil {
		return fmt.Errorf("no notifier available: %w", err)
	}

	out, err := exec.Command(path, "--app-name=Sibyl", title, message).CombinedOutput()
	if err != nil {
		return fmt.Errorf("notify-send: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// appleScriptEscaper makes text safe inside a double-quoted AppleScript
// string literal. A raw newline would end the literal, so it becomes \n.
var appleScriptEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
)

func escapeAppleScript(s string) string {
	return appleScriptEscaper.Replace(s)
}
