package extref

import (
	"strings"
)

// Separator splits the domain and the remote identifier
const Separator = "|"

// Reference is a parsed external reference
type Reference struct {
	Domain   string
	RemoteID string
}

// Parse splits a packed reference. Only the first separator is significant, so
// remote ids containing "|" survive a round trip.
func Parse(raw string) Reference {
	domain, remoteID, found := strings.Cut(raw, Separator)
	if !found {
		return Reference{Domain: NormalizeDomain(raw)}
	}
	return Reference{
		Domain:   NormalizeDomain(domain),
		RemoteID: strings.TrimSpace(remoteID),
	}
}

// New builds a reference from its parts
func New(domain, remoteID string) Reference {
	return Reference{Domain: NormalizeDomain(domain), RemoteID: strings.TrimSpace(remoteID)}
}

// String packs the reference back into its stored form
func (r Reference) String() string {
	if r.Domain == "" && r.RemoteID == "" {
		return ""
	}
	return r.Domain + Separator + r.RemoteID
}

// IsComplete reports whether both domain and remote id are present
func (r Reference) IsComplete() bool {
	return r.Domain != "" && r.RemoteID != ""
}

// NormalizeDomain trims whitespace and trailing slashes from a base URL
func NormalizeDomain(domain string) string {
	return strings.TrimRight(strings.TrimSpace(domain), "/")
}
