package kafka

// TopicPrefix namespaces every carepulse topic.
const TopicPrefix = "carepulse"

// Topic returns "carepulse.<domain>.<action>".
func Topic(domain, action string) string {
	return TopicPrefix + "." + domain + "." + action
}
