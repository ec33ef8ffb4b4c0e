package message

import "strings"

// Topic derives the routing key for a kind and job id. The derivation is
// pure: the same inputs always yield the same topic, and distinct
// (kind, id) pairs never collide because ids carry no '/' separators of
// their own kind segment.
func Topic(kind Kind, analysisID string) string {
	return strings.ReplaceAll(string(kind), ".", "/") + "/" + analysisID
}

// TopicPattern is the wildcard form of a kind's topic, matching every job.
func TopicPattern(kind Kind) string {
	return strings.ReplaceAll(string(kind), ".", "/") + "/*"
}

// MatchTopic reports whether topic matches pattern. Patterns ending in
// "/*" match any single trailing segment; anything else is an exact match.
func MatchTopic(pattern, topic string) bool {
	if suffix, ok := strings.CutSuffix(pattern, "/*"); ok {
		rest, matched := strings.CutPrefix(topic, suffix+"/")
		return matched && rest != "" && !strings.Contains(rest, "/")
	}
	return pattern == topic
}
