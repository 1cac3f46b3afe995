package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// UseMasterDBKey is the context key for the "use_master" boolean value.
	// It is used to signal to the database layer that a query should be
	// executed on the primary (write) database connection pool, bypassing
	// the read replica pool. Control message runs set this so that commands
	// observe the effects of earlier commands in the same message.
	UseMasterDBKey = ContextKey("use_master")
)
