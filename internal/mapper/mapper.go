// Package mapper translates between local record shapes and remote document
// shapes. It is the only place that knows the wire field names.
package mapper

// Remote document field names.
const (
	FieldLocalID             = "localId"
	FieldConversationID      = "conversationId"
	FieldSenderID            = "senderId"
	FieldSenderName          = "senderName"
	FieldText                = "text"
	FieldReadBy              = "readBy"
	FieldDeliveredTo         = "deliveredTo"
	FieldStatus              = "status"
	FieldTimestamp           = "timestamp"
	FieldName                = "name"
	FieldParticipants        = "participants"
	FieldLastMessageText     = "lastMessageText"
	FieldLastMessageSenderID = "lastMessageSenderId"
	FieldLastMessageAt       = "lastMessageAt"
	FieldUpdatedAt           = "updatedAt"
	FieldDisplayName         = "displayName"
	FieldAvatarURL           = "avatarUrl"
	FieldIsOnline            = "isOnline"
	FieldLastSeen            = "lastSeen"
)

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asInt64 tolerates the numeric types a JSON decode can produce.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asStringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		if len(s) == 0 {
			return nil
		}
		return append([]string(nil), s...)
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}
