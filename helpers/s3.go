package helpers

import "fmt"

// NewsKey constructs an S3 key for a stored news body.
func NewsKey(packageName, hash string) string {
	return fmt.Sprintf("%s/%s", packageName, hash)
}
