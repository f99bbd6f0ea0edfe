package iclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDetectPinFieldPriority(t *testing.T) {
	cases := []struct {
		fields Fields
		want   PinField
	}{
		{Fields{"PIN": "1", "Card": "9"}, PinFieldPIN},
		{Fields{"Badgenumber": "1", "EnrollNumber": "2"}, PinFieldBadgenumber},
		{Fields{"EnrollNumber": "2", "CardNo": "3"}, PinFieldEnrollNumber},
		{Fields{"CardNo": "3", "Card": "4"}, PinFieldCardNo},
		{Fields{"Card": "4"}, PinFieldCard},
		{Fields{"pin": "5"}, PinFieldPIN},
		{Fields{"PIN": "", "Name": "x"}, PinFieldUndetected},
		{Fields{}, PinFieldUndetected},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DetectPinField(tc.fields), "%v", tc.fields)
	}
}

func TestLearnPinFieldOnlyOnce(t *testing.T) {
	session := NewDeviceSession("SN1", time.Now())
	assert.Equal(t, "PIN", session.PinField.Label())
	assert.True(t, session.LearnPinField(Fields{"Badgenumber": "3"}))
	assert.False(t, session.LearnPinField(Fields{"PIN": "3"}))
	assert.Equal(t, PinFieldBadgenumber, session.PinField)
	assert.Equal(t, "Badgenumber", session.PinField.Label())
}

func TestAdvanceAttendanceCursorIsMonotonic(t *testing.T) {
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	session := NewDeviceSession("SN1", base)
	assert.True(t, session.AdvanceAttendanceCursor(base))
	assert.False(t, session.AdvanceAttendanceCursor(base.Add(-time.Hour)))
	assert.False(t, session.AdvanceAttendanceCursor(base))
	assert.True(t, session.AdvanceAttendanceCursor(base.Add(time.Minute)))
	assert.Equal(t, base.Add(time.Minute), *session.LastAttendanceCursor)
}

func TestParseDeviceInfo(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	info, ok := ParseDeviceInfo("9999~12~30~400~5~2", at)
	assert.True(t, ok)
	assert.Equal(t, DeviceInfo{Stamp: "9999", Users: 12, Fingerprints: 30, Logs: 400, OpLogs: 5, Photos: 2, ReportedAt: at}, info)

	_, ok = ParseDeviceInfo("1", at)
	assert.False(t, ok)

	info, ok = ParseDeviceInfo("1~3", at)
	assert.True(t, ok)
	assert.Equal(t, 3, info.Users)
	assert.Equal(t, 0, info.Photos)
}

func TestParsePinField(t *testing.T) {
	f, ok := ParsePinField("enrollnumber")
	assert.True(t, ok)
	assert.Equal(t, PinFieldEnrollNumber, f)
	_, ok = ParsePinField("UserID")
	assert.False(t, ok)
}
