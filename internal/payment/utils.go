package payment

import (
	"fmt"
	"regexp"
	"strings"
)

var phoneRegex = regexp.MustCompile(`^(7[0|5|7|8|9|4|6])(\d{7})$`)

// PhoneDetails contains normalized phone information
type PhoneDetails struct {
	NormalizedNumber string
	Network          string // "MTN" or "AIRTEL"
}

// NormalizePhoneNumber validates a mobile money destination and returns it in
// 256XXXXXXXXX format together with its network.
func NormalizePhoneNumber(phone string) (*PhoneDetails, error) {
	phone = strings.TrimPrefix(strings.TrimSpace(phone), "+")

	localPart := phone
	switch {
	case strings.HasPrefix(phone, "256"):
		localPart = phone[3:]
	case strings.HasPrefix(phone, "0"):
		localPart = phone[1:]
	}

	match := phoneRegex.FindStringSubmatch(localPart)
	if match == nil {
		return nil, fmt.Errorf("invalid phone number format: %s", phone)
	}

	network := "UNKNOWN"
	switch match[1] {
	case "77", "78", "76", "79":
		network = "MTN"
	case "70", "75", "74":
		network = "AIRTEL"
	}

	return &PhoneDetails{
		NormalizedNumber: "256" + localPart,
		Network:          network,
	}, nil
}

// paymentMethod returns the rail's payment method for a normalized destination.
func paymentMethod(d *PhoneDetails) (string, error) {
	switch d.Network {
	case "MTN":
		return "mtn_mobile_money", nil
	case "AIRTEL":
		return "airtel_mobile_money", nil
	default:
		return "", fmt.Errorf("unknown network for phone: %s", d.NormalizedNumber)
	}
}

// formatAmount renders minor units as the two-decimal string the rail expects.
func formatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
