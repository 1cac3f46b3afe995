package helpers

import "regexp"

var replyPrefixRe = regexp.MustCompile(`(?i)^re\s*:\s*`)

// StripReplyPrefix removes a single leading reply marker from a subject
// while preserving the remainder's case, so "Re: help" becomes "help" and
// "Re: Re: help" keeps one marker.
func StripReplyPrefix(subject string) string {
	return replyPrefixRe.ReplaceAllString(subject, "")
}
