package iclock

import (
	"strconv"
	"strings"
	"time"
)

// RecordType classifies one upload line.
type RecordType string

const (
	RecordAttendance RecordType = "REAL_TIME_LOG"
	RecordUser       RecordType = "USER"
	RecordBioData    RecordType = "BIODATA"
	RecordBioPhoto   RecordType = "BIOPHOTO"
	RecordUserPic    RecordType = "USERPIC"
	RecordOpLog      RecordType = "OPLOG"
)

// Record is a parsed upload line. Exactly one of Punch, User or Biometric is
// set for attendance, user and biometric records; operation logs only carry Fields.
type Record struct {
	Type RecordType
	// Tag is the record tag as sent, e.g. FP for legacy fingerprint lines.
	Tag    string
	Fields Fields
	Raw    string

	Punch     *Punch
	User      *TerminalUser
	Biometric *BiometricItem
}

// Punch is one attendance event reported by a terminal.
type Punch struct {
	PIN       string
	Time      time.Time
	Status    string
	Verify    string
	WorkCode  string
	PunchType PunchType
}

// ParseStats counts the outcome of parsing a payload.
type ParseStats struct {
	Lines   int
	Parsed  int
	Dropped int
}

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006/01/02 15:04:05",
}

// Parser decodes upload lines. Terminal timestamps carry no zone and are
// interpreted in Location.
type Parser struct {
	Location *time.Location
}

// NewParser constructs a parser; a nil location means UTC.
func NewParser(loc *time.Location) Parser {
	if loc == nil {
		loc = time.UTC
	}
	return Parser{Location: loc}
}

// ParseLine decodes a single line using UTC timestamps.
func ParseLine(line string) (Record, bool) {
	return NewParser(time.UTC).ParseLine(line)
}

// ParseLines splits a payload on any newline convention and parses each line.
func (p Parser) ParseLines(body string) ([]Record, ParseStats) {
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	var stats ParseStats
	var records []Record
	for _, line := range strings.Split(normalized, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		stats.Lines++
		record, ok := p.ParseLine(line)
		if !ok {
			stats.Dropped++
			continue
		}
		stats.Parsed++
		records = append(records, record)
	}
	return records, stats
}

// ParseLine decodes one line. It returns false when the line matches no known
// record shape; callers drop such lines.
func (p Parser) ParseLine(line string) (Record, bool) {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Record{}, false
	}

	tag, rest := cutTag(trimmed)
	switch strings.ToUpper(tag) {
	case "USER":
		return p.userRecord(tag, rest, line)
	case "BIODATA":
		return p.biometricRecord(RecordBioData, tag, rest, line, nil)
	case "BIOPHOTO":
		return p.biometricRecord(RecordBioPhoto, tag, rest, line, nil)
	case "USERPIC":
		return p.biometricRecord(RecordUserPic, tag, rest, line, nil)
	case "FP":
		return p.biometricRecord(RecordBioData, tag, rest, line, Fields{"Type": BioTypeFingerprint})
	case "FACE":
		return p.biometricRecord(RecordBioData, tag, rest, line, Fields{"Type": BioTypeVisibleFace})
	case "OPLOG":
		return p.opLogRecord(tag, rest, line)
	case "ATTLOG", string(RecordAttendance):
		return p.taggedPunch(tag, rest, line)
	}
	return p.positionalPunch(trimmed, line)
}

func cutTag(line string) (string, string) {
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return line, ""
	}
	return line[:idx], strings.TrimSpace(line[idx+1:])
}

func (p Parser) userRecord(tag, rest, raw string) (Record, bool) {
	fields := parseAssignments(splitTokens(rest))
	if len(fields) == 0 {
		return Record{}, false
	}
	user := UserFromFields(fields)
	return Record{Type: RecordUser, Tag: tag, Fields: fields, Raw: raw, User: &user}, true
}

func (p Parser) biometricRecord(kind RecordType, tag, rest, raw string, defaults Fields) (Record, bool) {
	fields := parseAssignments(splitTokens(rest))
	if len(fields) == 0 {
		return Record{}, false
	}
	for k, v := range defaults {
		if !fields.Has(k) {
			fields[k] = v
		}
	}
	item := BiometricItem{
		Source:   kind,
		PIN:      fields.Lookup("PIN", "Pin"),
		SubType:  fields.Lookup("Type", "TmpType"),
		Index:    fields.Lookup("No", "FID", "FingerID", "TmpIndex", "Index"),
		Template: fields.Lookup("Template", "Content", "Tmp", "TMP", "Card"),
		Fields:   fields,
	}
	return Record{Type: kind, Tag: tag, Fields: fields, Raw: raw, Biometric: &item}, true
}

func (p Parser) opLogRecord(tag, rest, raw string) (Record, bool) {
	tokens := splitTokens(rest)
	if len(tokens) == 0 {
		return Record{}, false
	}
	fields := parseAssignments(tokens)
	if len(fields) == 0 {
		// OPLOG op\tadmin\ttime\tobj1\tobj2\tobj3\tobj4
		names := []string{"Op", "Admin", "Time", "Obj1", "Obj2", "Obj3", "Obj4"}
		fields = make(Fields, len(tokens))
		for i, token := range tokens {
			if i < len(names) {
				fields[names[i]] = token
			}
		}
	}
	return Record{Type: RecordOpLog, Tag: tag, Fields: fields, Raw: raw}, true
}

func (p Parser) taggedPunch(tag, rest, raw string) (Record, bool) {
	fields := parseAssignments(splitTokens(rest))
	pin := fields.Lookup("PIN", "Pin", "UserID")
	at, ok := p.parseTime(fields.Lookup("Time", "DateTime", "Timestamp", "CheckTime"))
	if pin == "" || !ok {
		return Record{}, false
	}
	punch := Punch{
		PIN:      pin,
		Time:     at,
		Status:   fields.Lookup("Status", "State"),
		Verify:   fields.Lookup("Verify", "VerifyMode"),
		WorkCode: fields.Lookup("WorkCode"),
	}
	punch.PunchType = PunchTypeFromVerify(punch.Verify)
	return Record{Type: RecordAttendance, Tag: tag, Fields: fields, Raw: raw, Punch: &punch}, true
}

// positionalPunch handles ATTLOG table lines: PIN, time, status, verify, workcode, reserved...
func (p Parser) positionalPunch(trimmed, raw string) (Record, bool) {
	var parts []string
	if strings.Contains(trimmed, "\t") {
		parts = strings.Split(trimmed, "\t")
	} else {
		words := strings.Fields(trimmed)
		if len(words) < 3 {
			return Record{}, false
		}
		// date and clock are separate words when spaces delimit the line
		parts = append([]string{words[0], words[1] + " " + words[2]}, words[3:]...)
	}
	if len(parts) < 2 {
		return Record{}, false
	}
	pin := strings.TrimSpace(parts[0])
	if pin == "" || strings.Contains(pin, "=") {
		return Record{}, false
	}
	at, ok := p.parseTime(strings.TrimSpace(parts[1]))
	if !ok {
		return Record{}, false
	}
	names := []string{"PIN", "Time", "Status", "Verify", "WorkCode", "Reserved1", "Reserved2"}
	fields := make(Fields, len(parts))
	for i, part := range parts {
		key := "Field" + strconv.Itoa(i)
		if i < len(names) {
			key = names[i]
		}
		fields[key] = strings.TrimSpace(part)
	}
	punch := Punch{
		PIN:      pin,
		Time:     at,
		Status:   fields["Status"],
		Verify:   fields["Verify"],
		WorkCode: fields["WorkCode"],
	}
	punch.PunchType = PunchTypeFromVerify(punch.Verify)
	return Record{Type: RecordAttendance, Tag: "ATTLOG", Fields: fields, Raw: raw, Punch: &punch}, true
}

func (p Parser) parseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timeLayouts {
		if at, err := time.ParseInLocation(layout, value, loc); err == nil {
			return at, true
		}
	}
	return time.Time{}, false
}
