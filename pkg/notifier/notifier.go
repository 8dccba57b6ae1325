// Package notifier contains the core domain types for the article alert engine.
package notifier

import (
	"fmt"
	"time"
)

// Permission is the platform's notification permission tri-state.
type Permission string

// Platform permission states.
const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// ParsePermission converts a string into a Permission.
func ParsePermission(s string) (Permission, error) {
	switch Permission(s) {
	case PermissionDefault, PermissionGranted, PermissionDenied:
		return Permission(s), nil
	default:
		return PermissionDefault, fmt.Errorf("unknown permission %q", s)
	}
}

// Verdict is the outcome of a delivery gate evaluation.
type Verdict string

// Gate verdicts.
const (
	VerdictAllowed Verdict = "ALLOWED"
	VerdictAsk     Verdict = "ASK"
	VerdictBlocked Verdict = "BLOCKED"
)

// Decision is a derived, never persisted, gate result.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason"`
}

// Allowed reports whether alerts may be delivered right now.
func (d Decision) Allowed() bool {
	return d.Verdict == VerdictAllowed
}

// DeviceClass is the coarse device category used by remote policy.
type DeviceClass string

// Device classes.
const (
	DeviceDesktop DeviceClass = "desktop"
	DeviceMobile  DeviceClass = "mobile"
)

// Policy holds the admin-controlled feature flags.
type Policy struct {
	PushEnabled          bool    `json:"push_enabled"`
	ArticleAlertsEnabled bool    `json:"article_alerts_enabled"`
	MobileEnabled        bool    `json:"mobile_enabled"`
	DesktopEnabled       bool    `json:"desktop_enabled"`
	ReappearDays         float64 `json:"reappear_days"`
}

// DefaultReappearDays is used when the admin service does not supply a value.
const DefaultReappearDays = 7

// DefaultPolicy is used when no policy has ever been fetched successfully.
func DefaultPolicy() Policy {
	return Policy{
		PushEnabled:          true,
		ArticleAlertsEnabled: true,
		MobileEnabled:        true,
		DesktopEnabled:       true,
		ReappearDays:         DefaultReappearDays,
	}
}

// DeviceEnabled reports whether the policy enables alerts for the device class.
func (p Policy) DeviceEnabled(class DeviceClass) bool {
	if class == DeviceMobile {
		return p.MobileEnabled
	}
	return p.DesktopEnabled
}

// Entry is the locally persisted consent record for one client installation.
type Entry struct {
	DeniedAt        time.Time `json:"denied_at"`    // Zero unless Denied
	LastSyncAt      time.Time `json:"last_sync_at"` // Last successful registry sync
	SubscriptionID  string    `json:"subscription_id"`
	Asked           bool      `json:"asked"`
	Accepted        bool      `json:"accepted"`
	Denied          bool      `json:"denied"`
	PendingApproval bool      `json:"pending_approval"`
}

// Article is the newest content item as reported by the content API.
type Article struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Slug             string `json:"slug"`
	FeaturedImageURL string `json:"featured_image_url"`
}

// Notification is a single user-visible alert.
type Notification struct {
	Title string
	Body  string
	Icon  string
	Badge string
	Tag   string // Platform collapses notifications sharing a tag
	URL   string // Opened on click
}

// DeviceInfo is the diagnostic fingerprint sent with subscription records.
type DeviceInfo struct {
	UserAgent        string `json:"userAgent"`
	Platform         string `json:"platform"`
	Language         string `json:"language"`
	ScreenResolution string `json:"screenResolution"`
	Timezone         string `json:"timezone"`
}
