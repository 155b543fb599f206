package vault

import "time"

// RetentionForever disables expiry for an identity when used as the
// retention override.
const RetentionForever = 0

// Remaining is the time left before an item dissolves, expressed in the two
// display granularities.
type Remaining struct {
	Days    int
	Hours   int
	Expired bool
	Forever bool
}

// RemainingAt derives the retention state of an item created at createdAt,
// as of now, under retentionDays. retentionDays == RetentionForever means the
// item never expires (Days reports -1 to match the display contract).
func RemainingAt(now, createdAt time.Time, retentionDays int) Remaining {
	if retentionDays == RetentionForever {
		return Remaining{Days: -1, Forever: true}
	}

	expiry := createdAt.Add(time.Duration(retentionDays) * 24 * time.Hour)
	left := expiry.Sub(now)
	if left <= 0 {
		return Remaining{Expired: true}
	}

	days := int(left / (24 * time.Hour))
	hours := int((left % (24 * time.Hour)) / time.Hour)
	return Remaining{Days: days, Hours: hours}
}
