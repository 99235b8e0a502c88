// Package parse holds the small parsers behind the offline card list:
// machine codes to EEPROM slots, RFID tag normalization and the one-byte
// card hash the nodes compare against.
package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MaxOfflineSlots is the number of machines a node can store auth bits for.
const MaxOfflineSlots = 4

// AdminBit marks an admin-override card in the auth byte.
const AdminBit byte = 0x80

var (
	slotRe = regexp.MustCompile(`(?i)^(?:m|machine)?[\s#_-]*(\d+)$`)
	tagSep = regexp.MustCompile(`[\s:\-]+`)
)

// Slot maps a machine code ("1", "M2", "machine-3", "#4") to its offline
// slot. Codes outside 1..MaxOfflineSlots have no slot.
func Slot(code string) (int, bool) {
	m := slotRe.FindStringSubmatch(strings.TrimSpace(code))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 || n > MaxOfflineSlots {
		return 0, false
	}
	return n, true
}

// NormalizeTag uppercases a tag read and drops separators, so
// "04:a3-1f 9c" and "04A31F9C" are the same card.
func NormalizeTag(raw string) (string, error) {
	tag := strings.ToUpper(tagSep.ReplaceAllString(strings.TrimSpace(raw), ""))
	if tag == "" {
		return "", fmt.Errorf("empty rfid tag: %q", raw)
	}
	return tag, nil
}

// CardHash is the byte sum of the tag modulo 256.
func CardHash(tag string) byte {
	var sum byte
	for i := 0; i < len(tag); i++ {
		sum += tag[i]
	}
	return sum
}

// AuthByte packs the authorized machine codes into a bitmask: bit slot-1
// for each code with a slot, plus AdminBit for admin-override cards.
func AuthByte(codes []string, admin bool) byte {
	var b byte
	for _, code := range codes {
		if slot, ok := Slot(code); ok {
			b |= 1 << (slot - 1)
		}
	}
	if admin {
		b |= AdminBit
	}
	return b
}
