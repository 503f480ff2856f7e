package common

import (
	"strconv"

	"github.com/google/uuid"
)

// NewBranchID generates a unique scatter-gather branch identifier.
// Format: br_<uuid>
func NewBranchID() string {
	return "br_" + uuid.New().String()
}

// NewAutoGCRootName formats the "<ts>_<hash>" name used for auto-registered
// GC roots under gcroots/auto/<project-id>/.
func NewAutoGCRootName(tsUnixNano int64, labHash string) string {
	return strconv.FormatInt(tsUnixNano, 10) + "_" + labHash
}
