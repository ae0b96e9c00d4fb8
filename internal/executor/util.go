package executor

import "time"

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
