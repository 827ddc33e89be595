// Package util provides utility functions for the ChatLoop application.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
// Uses math/rand/v2 for optimal performance with modern best practices.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2 with optimal entropy utilization for non-cryptographic purposes.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length) // Pre-allocate capacity for efficiency

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateRandomAlphaNumeric generates a random alphanumeric string of the specified length.
// Uses math/rand/v2 for optimal performance and modern best practices.
func GenerateRandomAlphaNumeric(length int) string {
	if length <= 0 {
		return ""
	}

	const chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	var builder strings.Builder
	builder.Grow(length) // Pre-allocate capacity for efficiency

	for i := 0; i < length; i++ {
		builder.WriteByte(chars[rand.IntN(len(chars))])
	}

	return builder.String()
}

// GenerateCampaignID generates a unique campaign ID with "c_" prefix.
func GenerateCampaignID() string {
	return GenerateRandomID("c_", 16)
}

// GenerateSessionID generates a unique session ID with "s_" prefix.
func GenerateSessionID() string {
	return GenerateRandomID("s_", 32)
}

// GenerateLogID generates a unique transition log entry ID with "t_" prefix.
func GenerateLogID() string {
	return GenerateRandomID("t_", 32)
}
