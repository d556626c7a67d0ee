package reply

import "strings"

// ParseAddress splits a reply-to value into exchange and routing key.
// "exchange/key" targets that exchange; a bare value is a queue name on the
// default exchange.
func ParseAddress(replyTo string) (exchange, routingKey string) {
	replyTo = strings.TrimSpace(replyTo)
	if i := strings.Index(replyTo, "/"); i >= 0 {
		return replyTo[:i], replyTo[i+1:]
	}
	return "", replyTo
}
