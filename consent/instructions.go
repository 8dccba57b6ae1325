package consent

import (
	"strings"

	"github.com/mssola/useragent"
)

// Instructions tell the user how to re-enable notifications in their browser.
type Instructions struct {
	Browser string   `json:"browser"`
	Steps   []string `json:"steps"`
}

// InstructionsFor picks recovery steps for the browser named in ua.
func InstructionsFor(ua string) Instructions {
	// The useragent parser reports Samsung Internet as Chrome.
	if strings.Contains(ua, "SamsungBrowser") {
		return Instructions{
			Browser: "Samsung Internet",
			Steps: []string{
				"Open the menu and tap Settings",
				"Tap Sites and downloads, then Notifications",
				"Find this site and allow notifications",
			},
		}
	}

	name, _ := useragent.New(ua).Browser()
	switch name {
	case "Chrome":
		return Instructions{
			Browser: "Chrome",
			Steps: []string{
				"Click the lock icon to the left of the address bar",
				"Set Notifications to Allow",
				"Reload the page",
			},
		}
	case "Edge":
		return Instructions{
			Browser: "Edge",
			Steps: []string{
				"Click the lock icon in the address bar",
				"Open Permissions for this site",
				"Set Notifications to Allow and reload the page",
			},
		}
	case "Firefox":
		return Instructions{
			Browser: "Firefox",
			Steps: []string{
				"Click the permissions icon in the address bar",
				"Clear the Blocked setting next to Send Notifications",
				"Reload the page",
			},
		}
	case "Safari":
		return Instructions{
			Browser: "Safari",
			Steps: []string{
				"Open Safari Settings and choose Websites",
				"Select Notifications in the sidebar",
				"Set this site to Allow",
			},
		}
	case "Opera":
		return Instructions{
			Browser: "Opera",
			Steps: []string{
				"Click the lock icon in the address bar",
				"Open Site settings",
				"Set Notifications to Allow and reload the page",
			},
		}
	}
	return Instructions{
		Browser: "your browser",
		Steps: []string{
			"Open your browser's site settings for this page",
			"Allow notifications",
			"Reload the page",
		},
	}
}
