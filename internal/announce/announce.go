// Package announce prints a ready-to-paste request example for reaching a
// deployed instance through the daemon's activity proxy.
package announce

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"

	"github.com/animus-labs/requestor-go/internal/domain"
	"github.com/animus-labs/requestor-go/internal/marketplace"
)

const (
	TextToImagePath = "/sdapi/v1/txt2img"
	ExamplePayload  = `{"prompt": "example prompt"}`
)

type Shell string

const (
	ShellAuto       Shell = "auto"
	ShellPOSIX      Shell = "posix"
	ShellPowerShell Shell = "powershell"
)

// ParseShell accepts auto, posix or powershell; blank means auto.
func ParseShell(value string) (Shell, error) {
	switch Shell(strings.ToLower(strings.TrimSpace(value))) {
	case "", ShellAuto:
		return ShellAuto, nil
	case ShellPOSIX:
		return ShellPOSIX, nil
	case ShellPowerShell:
		return ShellPowerShell, nil
	default:
		return "", fmt.Errorf("unsupported shell %q", value)
	}
}

func (s Shell) resolve(goos string) Shell {
	if s == ShellPOSIX || s == ShellPowerShell {
		return s
	}
	if goos == "windows" {
		return ShellPowerShell
	}
	return ShellPOSIX
}

type Option func(*Announcer)

func WithShell(shell Shell) Option {
	return func(a *Announcer) { a.shell = shell }
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Announcer) { a.logger = logger }
}

type Announcer struct {
	conn   marketplace.Connector
	w      io.Writer
	shell  Shell
	goos   string
	logger *slog.Logger
}

func New(conn marketplace.Connector, w io.Writer, opts ...Option) *Announcer {
	a := &Announcer{
		conn:  conn,
		w:     w,
		shell: ShellAuto,
		goos:  runtime.GOOS,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Announce prints one request example per instance that carries an
// execution context and returns how many were printed. Failures to resolve
// the session token or a proxy URL are logged and skipped.
func (a *Announcer) Announce(ctx context.Context, instances []domain.Instance) int {
	usable := domain.WithContext(instances)
	if len(usable) == 0 || a.conn == nil || a.w == nil {
		return 0
	}

	token, err := a.conn.SessionToken(ctx)
	if err != nil {
		a.log("session token unavailable", "error", err)
		return 0
	}

	shell := a.shell.resolve(a.goos)
	printed := 0
	for _, inst := range usable {
		url, err := a.conn.ProxyURL(ctx, *inst.Context, TextToImagePath)
		if err != nil {
			a.log("proxy url unavailable", "instance", inst.Name, "activity_id", inst.Context.ActivityID, "error", err)
			continue
		}
		var cmd string
		if shell == ShellPowerShell {
			cmd = PowerShellCommand(token, url)
		} else {
			cmd = POSIXCommand(token, url)
		}
		fmt.Fprintf(a.w, "Request example:\n%s\n", cmd)
		printed++
	}
	return printed
}

// POSIXCommand renders a curl pipeline that decodes the first returned
// image into output.png.
func POSIXCommand(token, url string) string {
	payload := strings.ReplaceAll(ExamplePayload, `"`, `\"`)
	headers := fmt.Sprintf(
		"-H 'Authorization: Bearer %s' -H 'Content-Type: application/json; charset=utf-8' -H 'Accept: text/event-stream'",
		token,
	)
	return fmt.Sprintf(
		`curl -X POST %s -d "%s" %s | jq -r ".images[0]" | base64 --decode > output.png && xdg-open output.png`,
		headers, payload, url,
	)
}

func PowerShellCommand(token, url string) string {
	headers := fmt.Sprintf(
		`"Authorization" = "Bearer %s"; "Content-Type" = "application/json; charset=utf-8"; "Accept" = "text/event-stream"`,
		token,
	)
	lines := []string{
		fmt.Sprintf(
			"$images = Invoke-WebRequest -Method POST -Headers @{ %s } -Body '%s' -Uri %s | ConvertFrom-Json | Select images | Select-Object -Index 0",
			headers, ExamplePayload, url,
		),
		"$bytes = [Convert]::FromBase64String($images.images)",
		`$filename = Join-Path (Get-Location) "output.png"`,
		"[IO.File]::WriteAllBytes($filename, $bytes)",
	}
	return strings.Join(lines, "\n")
}

func (a *Announcer) log(msg string, attrs ...any) {
	if a.logger == nil {
		return
	}
	fields := []any{"component", "usage_announcer"}
	fields = append(fields, attrs...)
	for i := 0; i+1 < len(attrs); i += 2 {
		if key, ok := attrs[i].(string); ok && key == "error" {
			if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
				return
			}
		}
	}
	a.logger.Warn(msg, fields...)
}
