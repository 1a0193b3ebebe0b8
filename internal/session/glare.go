package session

import "github.com/isqad/livelook-meet/internal/core"

// Originator picks the endpoint that keeps its call when a and b call each
// other at the same time: the lexicographically smaller one.
func Originator(a, b core.EndpointID) core.EndpointID {
	if b.Less(a) {
		return b
	}
	return a
}

// AcceptInbound decides whether an inbound call from remote is answered given
// the direction of the session already held for remote, if any.
//
// An inbound call while we hold an answered session means the remote gave up
// on the old one, so the new call replaces it. An inbound call while we are
// originating ourselves is glare and only the non-originator answers.
func AcceptInbound(local, remote core.EndpointID, existing Direction) bool {
	switch existing {
	case "":
		return true
	case Answered:
		return true
	default:
		return Originator(local, remote) == remote
	}
}
