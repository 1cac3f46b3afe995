package consts

// HeraldAdvisoryLockID is a unique integer used for a PostgreSQL advisory lock
// to ensure that only one herald instance or admin tool can perform critical
// operations (like migrations) at a time.
const HeraldAdvisoryLockID = 52181437 // A randomly chosen integer
