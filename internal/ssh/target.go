package ssh

import (
	"time"

	"github.com/eniac111/ctxtagent/internal/types"
)

// TargetFor builds the target used to reach node at its current address.
// rotated selects the pending password when one exists; keyFile, when
// set, replaces the node's own key material.
func TargetFor(node *types.NodeRecord, rotated bool, keyFile string, timeout time.Duration) Target {
	t := Target{
		Host:     node.Address(),
		Port:     node.Port(),
		User:     node.User,
		Password: node.Secret(rotated),
		Timeout:  timeout,
	}
	if keyFile != "" {
		t.KeyPath = keyFile
	} else {
		t.PrivateKey = node.PrivateKey
	}
	return t
}
