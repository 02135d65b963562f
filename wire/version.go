package wire

// SupportedVersions lists the protocol versions this server speaks, in
// preference order.
var SupportedVersions = []string{"1a", "1", "pre2", "pre1"}

// VersionPre1 is the legacy protocol without ping/pong or heartbeats.
const VersionPre1 = "pre1"

// Version1A extends version 1 with the init batch message and
// client-side cleanup on unsubscribe.
const Version1A = "1a"

// NegotiateVersion picks the first server-supported version that also
// appears in the client's support list. The boolean reports whether
// that choice matches the version the client proposed; when it does
// not, the server replies failed with the chosen version and closes.
func NegotiateVersion(proposed string, support []string) (chosen string, ok bool) {
	for _, v := range SupportedVersions {
		for _, s := range support {
			if v == s {
				return v, v == proposed
			}
		}
	}
	return "", false
}
