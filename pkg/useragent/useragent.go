// Package useragent derives coarse human-readable device labels from
// browser user-agent strings. The labels identify a session in the
// session-management UI ("Chrome on Windows"); they are heuristic and make
// no attempt at full UA parsing.
package useragent

import "strings"

// Label returns "<browser> on <platform>" for a user-agent string, or
// "Unknown device" when nothing recognizable is present.
func Label(ua string) string {
	if strings.TrimSpace(ua) == "" {
		return "Unknown device"
	}

	browser := browserName(ua)
	platform := platformName(ua)

	if browser == "" && platform == "" {
		return "Unknown device"
	}
	if browser == "" {
		return platform
	}
	if platform == "" {
		return browser
	}
	return browser + " on " + platform
}

func browserName(ua string) string {
	switch {
	case strings.Contains(ua, "Edg/") || strings.Contains(ua, "Edge/"):
		return "Edge"
	case strings.Contains(ua, "OPR/") || strings.Contains(ua, "Opera"):
		return "Opera"
	case strings.Contains(ua, "SamsungBrowser"):
		return "Samsung Internet"
	case strings.Contains(ua, "Firefox/"):
		return "Firefox"
	case strings.Contains(ua, "Chrome/") || strings.Contains(ua, "CriOS"):
		return "Chrome"
	case strings.Contains(ua, "Safari/") && strings.Contains(ua, "Version/"):
		return "Safari"
	default:
		return ""
	}
}

func platformName(ua string) string {
	switch {
	case strings.Contains(ua, "iPhone"):
		return "iPhone"
	case strings.Contains(ua, "iPad"):
		return "iPad"
	case strings.Contains(ua, "Android"):
		return "Android"
	case strings.Contains(ua, "Windows NT"):
		return "Windows"
	case strings.Contains(ua, "Mac OS X") || strings.Contains(ua, "Macintosh"):
		return "macOS"
	case strings.Contains(ua, "CrOS"):
		return "ChromeOS"
	case strings.Contains(ua, "Linux"):
		return "Linux"
	default:
		return ""
	}
}
