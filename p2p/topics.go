package p2p

import (
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"
)

// WorkspaceTopic derives the overlay topic hash for a workspace. Peers
// advertise these hashes instead of workspace ids, so an observer of the
// overlay learns nothing about workspace identity.
func WorkspaceTopic(workspaceID string) string {
	digest := sha3.Sum256([]byte("loom-workspace-topic" + workspaceID))
	return base58.Encode(digest[:16])
}
