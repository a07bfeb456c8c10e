package shell

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/cipherhost/internal/platform"
)

func TestOpenerInvocation(t *testing.T) {
	tests := []struct {
		goos string
		want []string
	}{
		{"linux", []string{"xdg-open", "https://x.test/"}},
		{"freebsd", []string{"xdg-open", "https://x.test/"}},
		{"darwin", []string{"open", "https://x.test/"}},
		{"windows", []string{"rundll32", "url.dll,FileProtocolHandler", "https://x.test/"}},
	}
	for _, tt := range tests {
		inv := openerInvocation(tt.goos, "https://x.test/")
		assert.Equal(t, tt.want, append([]string{inv.Command}, inv.Args...), tt.goos)
	}
}

func TestOpenURL(t *testing.T) {
	var opened []string
	app := New(Options{
		Platform: platform.Desktop,
		Opener: func(_ context.Context, u string) error {
			opened = append(opened, u)
			return nil
		},
	})

	msg, err := app.OpenURL(context.Background(), "https://example.com/docs?a=1")
	require.NoError(t, err)
	assert.Equal(t, "opened https://example.com/docs?a=1", msg)
	assert.Equal(t, []string{"https://example.com/docs?a=1"}, opened)

	for _, bad := range []string{"file:///etc/passwd", "javascript:alert(1)", "http://", "ftp://x.test/", "::nonsense"} {
		_, err := app.OpenURL(context.Background(), bad)
		assert.ErrorIs(t, err, ErrUnsupportedURL, bad)
	}
	assert.Len(t, opened, 1)
}

func TestOpenURLOpenerError(t *testing.T) {
	boom := errors.New("no browser")
	app := New(Options{Opener: func(context.Context, string) error { return boom }})
	_, err := app.OpenURL(context.Background(), "http://127.0.0.1:3001/")
	assert.ErrorIs(t, err, boom)
}

func TestPlatform(t *testing.T) {
	assert.Equal(t, "ios", New(Options{Platform: platform.IOS}).Platform())
	assert.Equal(t, platform.Current().String(), New(Options{}).Platform())
}
