package broker

import "strings"

// Topic names are stable across broker implementations so that instances
// running different adapters in tests still agree on routing keys.

func RoomTopic(namespace, room string) string {
	return "broker:ns:" + namespace + ":room:" + room
}

func UserTopic(namespace, userID string) string {
	return "broker:ns:" + namespace + ":user:" + userID
}

func GlobalTopic(namespace string) string {
	return "broker:ns:" + namespace + ":global"
}

// NamespacePattern matches every topic scoped to a namespace.
func NamespacePattern(namespace string) string {
	return "broker:ns:" + namespace + ":*"
}

// Match reports whether a topic matches a pattern. Patterns are exact topic
// names or a prefix followed by a trailing "*".
func Match(pattern, topic string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return pattern == topic
}
