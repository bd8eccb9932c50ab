package protocol

import (
	"strings"
)

// Address suffixes.
const (
	UserServer       = "s.whatsapp.net"
	GroupServer      = "g.us"
	BroadcastServer  = "broadcast"
	NewsletterServer = "newsletter"
	LIDServer        = "lid"

	StatusBroadcast = "status@broadcast"
)

const (
	minPhoneDigits = 7
	maxPhoneDigits = 15
)

// NormalizePhone strips everything but digits (a leading "00" international
// prefix is dropped) and validates the E.164 length. ok is false for numbers
// that cannot be addressed.
func NormalizePhone(raw string) (digits string, ok bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits = strings.TrimPrefix(b.String(), "00")
	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits || digits[0] == '0' {
		return "", false
	}
	return digits, true
}

// PhoneAddress returns the user address for normalized digits.
func PhoneAddress(digits string) string { return digits + "@" + UserServer }

// SplitAddress splits "user:device@server" into its user part and server.
func SplitAddress(addr string) (user, server string) {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return addr, ""
	}
	user, server = addr[:at], addr[at+1:]
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user, server
}

// UserAddress normalizes an address to its device-less form, e.g.
// "1555:3@s.whatsapp.net" -> "1555@s.whatsapp.net".
func UserAddress(addr string) string {
	user, server := SplitAddress(addr)
	if server == "" {
		return user
	}
	return user + "@" + server
}

// IsUser reports whether addr is a person reachable by phone number.
func IsUser(addr string) bool {
	user, server := SplitAddress(addr)
	if server != UserServer || user == "" {
		return false
	}
	for _, r := range user {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// PhoneOf returns the phone digits of a user address.
func PhoneOf(addr string) string {
	user, _ := SplitAddress(addr)
	return user
}
