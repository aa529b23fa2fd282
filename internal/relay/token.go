package relay

import (
	"fmt"
	"strconv"
	"strings"
)

// Fixed action tokens.
const (
	TokenRetry     = "retry"
	TokenNewSearch = "new_search"
)

const nextPrefix = "next_"

// NextToken builds the token that requests result index for userID.
func NextToken(userID int64, index int) string {
	return nextPrefix + strconv.FormatInt(userID, 10) + "_" + strconv.Itoa(index)
}

// ParseNextToken decodes a next_<user>_<index> token.
func ParseNextToken(token string) (userID int64, index int, err error) {
	rest, ok := strings.CutPrefix(token, nextPrefix)
	if !ok {
		return 0, 0, fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, token)
	}
	uid, idx, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, 0, fmt.Errorf("%w: malformed next token %q", ErrInvalidRequest, token)
	}
	userID, err = strconv.ParseInt(uid, 10, 64)
	if err != nil || userID <= 0 {
		return 0, 0, fmt.Errorf("%w: bad user id in %q", ErrInvalidRequest, token)
	}
	index, err = strconv.Atoi(idx)
	if err != nil || index < 0 {
		return 0, 0, fmt.Errorf("%w: bad index in %q", ErrInvalidRequest, token)
	}
	return userID, index, nil
}
