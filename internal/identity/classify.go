package identity

import (
	"net"
	"net/http"
	"strings"

	"github.com/mileusna/useragent"
)

const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceUnknown = "unknown"

	unknownAddress = "unknown"
	unknownLabel   = "Unknown"
	localLabel     = "Local"
)

// DeviceInfo is advisory telemetry derived from the user agent.
type DeviceInfo struct {
	Type    string `json:"type"`
	Browser string `json:"browser"`
	OS      string `json:"os"`
}

// GeoInfo is a best-effort location. Never used for authorization.
type GeoInfo struct {
	Country string `json:"country"`
	Region  string `json:"region"`
	City    string `json:"city"`
}

// ClassifyDevice parses the user agent, falling back to case-insensitive
// substring checks when the parser cannot tell the form factor.
func ClassifyDevice(ua string) DeviceInfo {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return DeviceInfo{Type: DeviceUnknown, Browser: unknownLabel, OS: unknownLabel}
	}
	parsed := useragent.Parse(ua)
	info := DeviceInfo{
		Type:    deviceType(ua, parsed),
		Browser: strings.TrimSpace(parsed.Name),
		OS:      strings.TrimSpace(parsed.OS),
	}
	if info.Browser == "" {
		info.Browser = unknownLabel
	}
	if info.OS == "" {
		info.OS = unknownLabel
	}
	return info
}

func deviceType(raw string, parsed useragent.UserAgent) string {
	lower := strings.ToLower(raw)
	switch {
	case parsed.Tablet || strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet"):
		return DeviceTablet
	case parsed.Mobile || strings.Contains(lower, "mobi") || strings.Contains(lower, "iphone") || strings.Contains(lower, "android"):
		return DeviceMobile
	case parsed.Desktop || strings.Contains(lower, "windows") || strings.Contains(lower, "macintosh") || strings.Contains(lower, "x11"):
		return DeviceDesktop
	default:
		return DeviceUnknown
	}
}

// ClientIP resolves the caller address: first X-Forwarded-For entry, then
// X-Real-IP, then the transport peer, then "unknown".
func ClientIP(r *http.Request) string {
	if r == nil {
		return unknownAddress
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if addr := strings.TrimSpace(r.RemoteAddr); addr != "" {
		return addr
	}
	return unknownAddress
}

// LocateIP labels loopback and private addresses "Local". Anything else gets
// the "Unknown" placeholder; no external lookup is made.
func LocateIP(addr string) GeoInfo {
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip != nil && (ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()) {
		return GeoInfo{Country: localLabel, Region: localLabel, City: localLabel}
	}
	return GeoInfo{Country: unknownLabel, Region: unknownLabel, City: unknownLabel}
}
