package shell

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"strings"

	"github.com/loykin/cipherhost/internal/process"
)

// ErrUnsupportedURL is returned by OpenURL for anything but http(s).
var ErrUnsupportedURL = errors.New("only http and https URLs can be opened")

// Opener hands a URL to the desktop environment.
type Opener func(ctx context.Context, rawURL string) error

// openerInvocation returns the platform command that opens rawURL in the
// default browser.
func openerInvocation(goos, rawURL string) process.Invocation {
	switch goos {
	case "darwin":
		return process.Invocation{Command: "open", Args: []string{rawURL}}
	case "windows":
		return process.Invocation{Command: "rundll32", Args: []string{"url.dll,FileProtocolHandler", rawURL}}
	default:
		return process.Invocation{Command: "xdg-open", Args: []string{rawURL}}
	}
}

// SystemOpener runs the platform opener and waits for it to return.
func SystemOpener(ctx context.Context, rawURL string) error {
	inv := openerInvocation(runtime.GOOS, rawURL)
	out := process.Run(ctx, inv, nil)
	if out.Success() {
		return nil
	}
	if msg := strings.TrimSpace(out.Stderr); msg != "" {
		return fmt.Errorf("%s: %w: %s", inv.Command, out.Err, msg)
	}
	return fmt.Errorf("%s: %w", inv.Command, out.Err)
}

func validateURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedURL, rawURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrUnsupportedURL, rawURL)
	}
	return u.String(), nil
}
