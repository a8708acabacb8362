// Package ids derives every identifier used by the memory service.
// All functions are pure: same inputs, same IDs, no external state.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// pointNamespace seeds deterministic UUIDv5 point IDs for the vector
// store, which only accepts UUID or integer point IDs.
var pointNamespace = uuid.MustParse("8f2f9d52-6a3b-4a0e-9c47-1d2b7c1e5a90")

func sha256Hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// ArtifactUID returns the stable artifact identity. When a source
// identifier exists it is derived from "source_system:source_id";
// otherwise it falls back to the content hash.
func ArtifactUID(sourceSystem, sourceID, content string) string {
	if sourceID != "" {
		return "uid_" + sha256Hex(sourceSystem+":"+sourceID)[:16]
	}
	return "uid_" + sha256Hex(content)[:16]
}

// RevisionID returns the content-addressed revision identity.
func RevisionID(content string) string {
	return "rev_" + sha256Hex(content)[:16]
}

// ArtifactID returns the short vector-store document ID for an artifact,
// derived from its UID so re-ingests land on the same point.
func ArtifactID(artifactUID string) string {
	return "art_" + sha256Hex(artifactUID)[:8]
}

// ChunkID returns the chunk identity embedding the zero-padded index and
// a prefix of the chunk content hash.
func ChunkID(artifactID string, index int, chunkContent string) string {
	return fmt.Sprintf("%s::chunk::%03d::%s", artifactID, index, sha256Hex(chunkContent)[:8])
}

// ContentHash returns the full hex sha256 of content.
func ContentHash(content string) string {
	return sha256Hex(content)
}

// EventID returns a fresh prefixed event identifier.
func EventID() string { return "evt_" + uuid.NewString() }

// EvidenceID returns a fresh prefixed evidence identifier.
func EvidenceID() string { return "evi_" + uuid.NewString() }

// JobID returns a fresh prefixed job identifier.
func JobID() string { return "job_" + uuid.NewString() }

// EntityID returns a fresh prefixed entity identifier.
func EntityID() string { return "ent_" + uuid.NewString() }

// ExtractionRunID returns a fresh identifier for one extraction run.
func ExtractionRunID() string { return "run_" + uuid.NewString() }

// PointUUID maps any document ID to a deterministic UUID accepted by the
// vector store as a point ID. The original ID travels in the payload.
func PointUUID(id string) string {
	return uuid.NewSHA1(pointNamespace, []byte(id)).String()
}
