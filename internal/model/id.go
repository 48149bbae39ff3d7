package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// IDType is the prefix naming what kind of entity an id refers to. Ids look
// like sug_1771722000_a3f2b7c1: prefix, the unix second the id was minted,
// and four random bytes in hex. The timestamp keeps ids roughly sortable;
// the random tail breaks ties within a second.
type IDType string

const (
	IDTypeSuggestion IDType = "sug"
	IDTypeEvent      IDType = "evt"
	IDTypeReply      IDType = "rep"
	IDTypeHighlight  IDType = "hlt"
)

func (t IDType) valid() bool {
	switch t {
	case IDTypeSuggestion, IDTypeEvent, IDTypeReply, IDTypeHighlight:
		return true
	}
	return false
}

// GenerateID mints a fresh id carrying the given prefix.
func GenerateID(idType IDType) (string, error) {
	if !idType.valid() {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}
	var tail [4]byte
	if _, err := rand.Read(tail[:]); err != nil {
		return "", fmt.Errorf("generate id tail: %w", err)
	}
	return fmt.Sprintf("%s_%010d_%s", idType, time.Now().Unix(), hex.EncodeToString(tail[:])), nil
}

// ValidateID reports whether id is well formed: known prefix, ten decimal
// digits, eight lowercase hex digits, underscore separated.
func ValidateID(id string) bool {
	_, _, ok := parseID(id)
	return ok
}

// ParseIDType returns the entity prefix of a well formed id.
func ParseIDType(id string) (IDType, error) {
	typ, _, ok := parseID(id)
	if !ok {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	return typ, nil
}

// ParseIDTimestamp returns the minting time embedded in a well formed id.
func ParseIDTimestamp(id string) (time.Time, error) {
	_, ts, ok := parseID(id)
	if !ok {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	return time.Unix(ts, 0), nil
}

func parseID(id string) (IDType, int64, bool) {
	// prefix(3) + "_" + unix(10) + "_" + hex(8)
	if len(id) != 23 || id[3] != '_' || id[14] != '_' {
		return "", 0, false
	}
	typ := IDType(id[:3])
	if !typ.valid() {
		return "", 0, false
	}
	var ts int64
	for _, c := range []byte(id[4:14]) {
		if c < '0' || c > '9' {
			return "", 0, false
		}
		ts = ts*10 + int64(c-'0')
	}
	for _, c := range []byte(id[15:]) {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", 0, false
		}
	}
	return typ, ts, true
}
