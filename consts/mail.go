package consts

// Tracker header convention shared with existing package-tracker deployments.
// These names are part of the wire contract and must not change.
const (
	HeaderPackage  = "X-Distro-Tracker-Package"
	HeaderKeyword  = "X-Distro-Tracker-Keyword"
	HeaderTeam     = "X-Distro-Tracker-Team"
	HeaderApproved = "X-Distro-Tracker-Approved"
	HeaderURL      = "X-Distro-Tracker-Url"
)

// Local-part service names routed by the mail processor.
const (
	ServiceDispatch = "dispatch"
	ServiceControl  = "control"
	ServiceBounces  = "bounces"
)

// DefaultKeyword is the keyword assigned to classified messages that carry
// no explicit keyword. Messages tagged with it require approval before
// being forwarded.
const DefaultKeyword = "default"

// BounceDateLayout is the date format embedded in VERP bounce addresses
// (bounces+20240115@fqdn).
const BounceDateLayout = "20060102"

// MaxConfirmationKeyAttempts bounds retries when a generated confirmation
// key collides with an existing one.
const MaxConfirmationKeyAttempts = 10
