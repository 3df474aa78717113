package taskeval

import (
	"encoding/binary"

	"github.com/goombaio/namegenerator"

	"github.com/crucible-build/crucible/id"
)

// ephemeralName derives a friendly, human-rememberable name for a
// task's sandbox work tree, seeded from the task's own id so the same
// task gets the same name on every retry instead of a new one each
// time it reruns. This is purely cosmetic: it never influences the
// actual work directory path, only what the evaluator's log line shows
// alongside it.
func ephemeralName(taskID id.ID) string {
	digest := taskID.Digest()
	var seed int64
	if len(digest) >= 8 {
		seed = int64(binary.BigEndian.Uint64(digest[:8]))
	}
	return namegenerator.NewNameGenerator(seed).Generate()
}
