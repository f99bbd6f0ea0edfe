package iclock

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// BiometricType is the stored template category.
type BiometricType string

const (
	BiometricFingerprint BiometricType = "fingerprint"
	BiometricFace        BiometricType = "face"
	BiometricRFID        BiometricType = "rfid"
)

// BIODATA Type codes.
const (
	BioTypeFingerprint = "1"
	BioTypeCard        = "3"
	BioTypeFace        = "8"
	BioTypeVisibleFace = "9"
)

// Ingestion outcome reasons.
const (
	ReasonInserted         = "inserted"
	ReasonUpdated          = "updated"
	ReasonSkipped          = "skipped"
	ReasonSkippedEmpty     = "skipped_empty_template"
	ReasonSkippedUserPic   = "skipped_userpic"
	ReasonEmployeeNotFound = "employee_not_found"
	ReasonMissingPIN       = "missing_pin"
	ReasonError            = "error"
)

// BiometricItem is an unclassified biometric payload from an upload.
type BiometricItem struct {
	Source   RecordType
	PIN      string
	SubType  string
	Index    string
	Template string
	Fields   Fields
}

// BiometricItemFromUser turns a USER line carrying a card number into an rfid item.
func BiometricItemFromUser(user TerminalUser) (BiometricItem, bool) {
	if strings.TrimSpace(user.Card) == "" || user.PIN == "" {
		return BiometricItem{}, false
	}
	return BiometricItem{
		Source:   RecordUser,
		PIN:      user.PIN,
		SubType:  BioTypeCard,
		Template: strings.TrimSpace(user.Card),
	}, true
}

// Classification is the storage target of an item. FingerIndex is 0 for
// non-fingerprint types and for fingerprints that carry no index.
type Classification struct {
	Type        BiometricType
	FingerIndex int
	Skip        bool
}

// Classify decides the biometric type of an item. USERPIC items are skipped.
func Classify(item BiometricItem) Classification {
	switch item.Source {
	case RecordUserPic:
		return Classification{Skip: true}
	case RecordBioPhoto:
		return Classification{Type: BiometricFace}
	case RecordUser:
		return Classification{Type: BiometricRFID}
	}
	switch strings.TrimSpace(item.SubType) {
	case BioTypeFace, BioTypeVisibleFace:
		return Classification{Type: BiometricFace}
	case BioTypeCard:
		return Classification{Type: BiometricRFID}
	default:
		// Type 1 and unknown codes are fingerprints.
		return Classification{Type: BiometricFingerprint, FingerIndex: parseIndex(item.Index)}
	}
}

func parseIndex(raw string) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// HashTemplate returns the hex sha256 of a template.
func HashTemplate(template string) string {
	sum := sha256.Sum256([]byte(template))
	return hex.EncodeToString(sum[:])
}

// BiometricRecord is the current stored template for (employee, type, finger).
type BiometricRecord struct {
	ID          string
	EmployeeID  string
	Type        BiometricType
	FingerIndex int
	Template    string
	ContentHash string
	Remarks     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
