package protocol

import "strings"

// NormalizeEventName maps gateway event names to the canonical dotted form:
// "MESSAGES_UPSERT", "messages_upsert" and "messages.upsert" all become "messages.upsert".
func NormalizeEventName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	return strings.ReplaceAll(name, "_", ".")
}
