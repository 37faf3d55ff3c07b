package symbols

import (
	"fmt"
	"path"
	"strings"
)

// ArtifactsPrefix returns the object key prefix under which the artifacts of a build are stored.
func ArtifactsPrefix(buildID int64) string {
	return fmt.Sprintf("builds/%d/artifacts/", buildID)
}

// ArtifactKey returns the object key of an artifact path of a build.
func ArtifactKey(buildID int64, artifactPath string) string {
	return ArtifactsPrefix(buildID) + strings.TrimLeft(artifactPath, "/")
}

// SourceArtifactPath returns the artifact path a source file is stored at,
// given its path relative to the build sources URL.
func SourceArtifactPath(rel string) string {
	return path.Join(SourcesDir, rel)
}
