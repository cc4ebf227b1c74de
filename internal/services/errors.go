package services

import "fmt"

// NotFoundError is returned when every resolution strategy is
// exhausted without a successful listing detail fetch. It keeps enough
// of the attempt trail for operator troubleshooting.
type NotFoundError struct {
	ProductID    string // identifier exactly as the caller supplied it
	AttemptedID  string // normalized identifier the cascade worked with
	LastStrategy string
	LastStatus   int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no active listing found for %q (tried %s, last strategy %s, last upstream status %d)",
		e.ProductID, e.AttemptedID, e.LastStrategy, e.LastStatus)
}
