package repository

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	keyPrefix  = "chats/"
	keySuffix  = ".json"
	dateLayout = "2006-01-02"
	maxIDLen   = 128
)

// ChatKey returns the object key for a chat stored on the given day.
func ChatKey(day time.Time, chatID string) string {
	return dayPrefix(day) + chatID + keySuffix
}

// dayPrefix returns the listing prefix of one day shard: chats/YYYY/MM/DD/.
func dayPrefix(day time.Time) string {
	return keyPrefix + day.Format("2006/01/02") + "/"
}

// parseKey splits a chat key into its storage date (YYYY-MM-DD) and chat id.
func parseKey(key string) (string, string, error) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return "", "", fmt.Errorf("%w: %q lacks %q prefix", ErrKeySchemeViolation, key, keyPrefix)
	}
	rest, ok = strings.CutSuffix(rest, keySuffix)
	if !ok {
		return "", "", fmt.Errorf("%w: %q lacks %q suffix", ErrKeySchemeViolation, key, keySuffix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 4 {
		return "", "", fmt.Errorf("%w: %q is not chats/YYYY/MM/DD/{id}.json", ErrKeySchemeViolation, key)
	}
	date := parts[0] + "-" + parts[1] + "-" + parts[2]
	if _, err := time.Parse(dateLayout, date); err != nil {
		return "", "", fmt.Errorf("%w: %q has invalid date: %v", ErrKeySchemeViolation, key, err)
	}
	if err := ValidateID(parts[3]); err != nil {
		return "", "", fmt.Errorf("%w: %q: %v", ErrKeySchemeViolation, key, err)
	}
	return date, parts[3], nil
}

// ParseDay accepts YYYY-MM-DD or YYYY/MM/DD and returns the day in loc.
func ParseDay(s string, loc *time.Location) (time.Time, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "/", "-")
	day, err := time.ParseInLocation(dateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: invalid day %q: %w", s, err)
	}
	return day, nil
}

// ValidateID checks that a chat id can be embedded in an object key.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("chat id must not be empty")
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("chat id longer than %d bytes", maxIDLen)
	}
	if id[0] == '.' {
		return errors.New("chat id must not start with '.'")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("chat id contains invalid character %q", r)
		}
	}
	return nil
}
