package db

import "errors"

// Sentinel errors for database operations
var (
	// ErrPackageNotFound indicates that a package was not found in the database
	ErrPackageNotFound = errors.New("package not found")

	// ErrInvalidPackageName indicates that a name cannot be used as a new
	// package entry
	ErrInvalidPackageName = errors.New("invalid package name")

	// ErrEmailNotFound indicates that a subscriber email was not found in the database
	ErrEmailNotFound = errors.New("email not found")

	// ErrSubscriptionNotFound indicates that no subscription exists for the package/email pair
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrTeamNotFound indicates that a team was not found in the database
	ErrTeamNotFound = errors.New("team not found")

	// ErrMembershipNotFound indicates that no membership exists for the team/email pair
	ErrMembershipNotFound = errors.New("membership not found")

	// ErrConfirmationNotFound indicates that a confirmation key does not resolve
	ErrConfirmationNotFound = errors.New("confirmation not found")

	// ErrConfirmationKeyExhausted indicates that no unique confirmation key
	// could be generated within the retry budget
	ErrConfirmationKeyExhausted = errors.New("unable to generate a unique confirmation key")

	// ErrKeywordNotFound indicates that a keyword name is not part of the global set
	ErrKeywordNotFound = errors.New("keyword not found")

	// ErrNewsNotFound indicates that a news item does not exist
	ErrNewsNotFound = errors.New("news item not found")

	// ErrDuplicateSubscription indicates that the package/email pair is already subscribed
	ErrDuplicateSubscription = errors.New("subscription already exists")

	// ErrDuplicateMembership indicates that the team/email pair is already a member
	ErrDuplicateMembership = errors.New("membership already exists")
)
