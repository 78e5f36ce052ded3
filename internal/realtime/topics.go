package realtime

import (
	"strconv"
	"strings"
)

// ConversationID derives the key shared by both participants of a listing conversation:
// min_max_listing. Numeric ids are ordered numerically, anything else lexicographically.
func ConversationID(userA, userB, listingID string) string {
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if lessID(userB, userA) {
		userA, userB = userB, userA
	}
	return userA + "_" + userB + "_" + strings.TrimSpace(listingID)
}

// MessagesTopic is the destination carrying chat events of one conversation.
func MessagesTopic(conversationID string) string {
	return "/topic/messages/" + conversationID
}

// NotificationsTopic is the per-user notification queue.
func NotificationsTopic(userID string) string {
	return "/queue/notifications/" + userID
}

func lessID(a, b string) bool {
	numberA, errA := strconv.ParseInt(a, 10, 64)
	numberB, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return numberA < numberB
	}
	return a < b
}
