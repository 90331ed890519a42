package audience

import "fmt"

const messagesPerMinute = 100

// EstimateDeliveryTime gives a human readable send duration for an audience.
func EstimateDeliveryTime(audienceSize int) string {
	minutes := (audienceSize + messagesPerMinute - 1) / messagesPerMinute
	if minutes < 1 {
		return "Less than a minute"
	}
	if minutes < 60 {
		return fmt.Sprintf("%d minutes", minutes)
	}
	hours := (minutes + 59) / 60
	if hours == 1 {
		return "1 hour"
	}
	return fmt.Sprintf("%d hours", hours)
}
