package version

// NodeVersion - specifies the coordinator and signer version
var NodeVersion = "0.1.0"

// EnvelopeProtocolVersion - specifies the version of the envelope wire format
var EnvelopeProtocolVersion = "1.0.0"

// GitCommit - specifies the git commit, passed through ldflags
var GitCommit = ""

// String is NodeVersion with the commit appended when it is known.
func String() string {
	if GitCommit == "" {
		return NodeVersion
	}
	return NodeVersion + "+" + GitCommit
}
