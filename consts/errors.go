package consts

import "errors"

var (
	ErrPackageNotFound      = errors.New("package not found")
	ErrUserEmailNotFound    = errors.New("user email not found")
	ErrTeamNotFound         = errors.New("team not found")
	ErrMembershipNotFound   = errors.New("team membership not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrConfirmationNotFound = errors.New("confirmation key not found")
	ErrKeywordNotFound      = errors.New("keyword not found")
	ErrMalformedMessage     = errors.New("malformed message")
	ErrInternalError        = errors.New("internal error")

	ErrDBNotFound                = errors.New("not found")
	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBInsertFailed            = errors.New("insert failed")

	ErrS3UploadFailed = errors.New("s3 upload failed")
)
