package persistence

import "time"

func toUnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixMilli()
}

func fromUnixMillis(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}

	return time.UnixMilli(v)
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}

	return v
}
