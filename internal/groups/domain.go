package groups

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/odyssey-erp/makerchecker/internal/shared"
)

// Group is a named set of users that receives roles.
type Group struct {
	ID          int64  `json:"id"`
	TenantID    int64  `json:"tenant_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Members     int    `json:"members"`
	Roles       int    `json:"roles"`
}

// Member is a user assigned to a group.
type Member struct {
	UserID   int64  `json:"user_id"`
	Email    string `json:"email"`
	IsActive bool   `json:"is_active"`
}

// linkKey formats the change-record key of a group link as "group:member".
func linkKey(groupID, memberID int64) string {
	return strconv.FormatInt(groupID, 10) + ":" + strconv.FormatInt(memberID, 10)
}

func parseLinkKey(key string) (groupID, memberID int64, err error) {
	left, right, ok := strings.Cut(strings.TrimSpace(key), ":")
	if ok {
		groupID, err = strconv.ParseInt(left, 10, 64)
		if err == nil {
			memberID, err = strconv.ParseInt(right, 10, 64)
		}
	}
	if !ok || err != nil || groupID <= 0 || memberID <= 0 {
		return 0, 0, fmt.Errorf("%w: link key %q must be group:member", shared.ErrValidation, key)
	}
	return groupID, memberID, nil
}
