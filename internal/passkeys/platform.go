package passkeys

import (
	"strings"

	"github.com/mssola/useragent"
)

// Authenticator platform labels shown to users and compared for the
// cross-platform flag. Captured at registration time, immutable after.
const (
	PlatformApple         = "Apple"
	PlatformChromeOnApple = "Chrome on Apple"
	PlatformGoogle        = "Google"
	PlatformMicrosoft     = "Microsoft"
	PlatformKey           = "Key"
)

// ClassifyPlatform derives an authenticator platform label from the request
// User-Agent. Order matters: Chrome on macOS must be recognized before the
// generic Android/Windows checks, and Safari always means an Apple
// authenticator regardless of OS.
func ClassifyPlatform(userAgentString string) string {
	ua := useragent.New(userAgentString)
	browser, _ := ua.Browser()
	os := ua.OSInfo()

	switch {
	case strings.Contains(browser, "Safari"):
		return PlatformApple
	case strings.Contains(browser, "Chrome") && strings.Contains(os.Name, "Mac OS X"):
		return PlatformChromeOnApple
	case strings.Contains(os.Name, "Android"):
		return PlatformGoogle
	case strings.Contains(os.Name, "Windows"):
		return PlatformMicrosoft
	default:
		return PlatformKey
	}
}
