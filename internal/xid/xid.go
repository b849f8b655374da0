package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a prefixed random id such as "so-3f2a...".
func New(prefix string) string {
	id, err := uuid.NewRandom()
	if err != nil {
		id = uuid.Must(uuid.NewUUID())
	}
	return prefix + "-" + strings.ReplaceAll(id.String(), "-", "")
}
