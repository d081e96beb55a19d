package manager

import (
	"strconv"
	"strings"
)

// maxTokenLength is spec.md §4.G's token grammar bound.
const maxTokenLength = 80

// ParseToken validates a bot token against spec.md §4.G's grammar:
// "digits \":\" rest", length <= 80, no '/', numeric prefix not starting
// with '0', and the user id fits in (0, 2^54). It returns the parsed user
// id and whether the token is valid (whether it names the test DC is not
// reported: a trailing ":T" isn't part
// of this grammar; test-DC selection is carried by the "/test" path
// segment instead, resolved by the caller).
func ParseToken(token string) (userID int64, ok bool) {
	if len(token) == 0 || len(token) > maxTokenLength {
		return 0, false
	}
	if strings.Contains(token, "/") {
		return 0, false
	}
	colon := strings.IndexByte(token, ':')
	if colon <= 0 {
		return 0, false
	}
	digits := token[:colon]
	rest := token[colon+1:]
	if rest == "" {
		return 0, false
	}
	if digits[0] == '0' {
		return 0, false
	}
	for _, ch := range digits {
		if ch < '0' || ch > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	const maxUserID = 1 << 54
	if id <= 0 || id >= maxUserID {
		return 0, false
	}
	return id, true
}

// TQueueID derives the per-bot TQueue queue id from the user id and
// whether the bot is using the test DC, per spec.md §3's "Bot client
// state" ("derived tqueue_id (user_id plus a bit indicating test DC)").
func TQueueID(userID int64, isTestDC bool) int64 {
	id := userID << 1
	if isTestDC {
		id |= 1
	}
	return id
}

// Admission is the `user_id % mod == rem` shard predicate of spec.md
// §4.G / §9 ("Admission filter"). A zero-value Admission (mod == 0)
// admits everything.
type Admission struct {
	Rem, Mod int64
}

// Allows reports whether userID passes this shard's admission filter.
func (a Admission) Allows(userID int64) bool {
	if a.Mod <= 0 {
		return true
	}
	return userID%a.Mod == a.Rem
}
