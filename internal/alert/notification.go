package alert

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Subject is the subject line of every alert notification.
const Subject = "Security Alert Notification"

// FormatNotification renders the notification body for a new alert.
func FormatNotification(a Alert, stats ThreatStats, window time.Duration, now time.Time) string {
	camera := "None"
	if a.CameraID != nil {
		camera = strconv.FormatInt(*a.CameraID, 10)
	}

	lines := []string{
		"🚨 Security Alert Notification 🚨\n",
		"New Alert Details:",
		"-----------------",
		"Time: " + now.Format(time.DateTime),
		"Camera ID: " + camera,
		"Threat Type: " + a.ThreatType,
		fmt.Sprintf("Confidence: %.2f%%\n", a.Confidence),
		fmt.Sprintf("Threat Statistics (Last %d minutes)", int(window.Minutes())),
		"------------------------",
		fmt.Sprintf("Total Alerts: %d\n", stats.Total),
		"Threat Type Distribution:",
	}
	for _, c := range stats.Counts {
		lines = append(lines, fmt.Sprintf("- %s: %d alerts", c.ThreatType, c.Count))
	}

	lines = append(lines, "\nTop 3 Highest Probability Threats:")
	for i, t := range stats.Top {
		lines = append(lines, fmt.Sprintf("%d. %s - %.2f%%", i+1, t.ThreatType, t.Confidence))
	}

	lines = append(lines, "\nPlease review these alerts in the security dashboard for more details.")
	return strings.Join(lines, "\n")
}
