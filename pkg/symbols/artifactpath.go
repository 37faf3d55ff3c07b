package symbols

import (
	"strings"
)

// ArchiveSeparator splits an archive artifact from the path of an entry inside it.
const ArchiveSeparator = "!/"

var archiveExtensions = []string{
	".zip", ".nupkg", ".snupkg", ".jar", ".war", ".ear",
	".tar.zst", ".tzst",
}

// IsArchive reports whether an artifact name denotes a supported archive.
func IsArchive(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// JoinArtifactPath appends fileName to an artifact target directory. A target
// that starts with an archive name places the file inside that archive:
//
//	"path/to"             -> "path/to/file.pdb"
//	"archive.zip"         -> "archive.zip!/file.pdb"
//	"archive.zip/path/to" -> "archive.zip!/path/to/file.pdb"
func JoinArtifactPath(prefix, fileName string) string {
	prefix = strings.Trim(strings.ReplaceAll(prefix, `\`, "/"), "/")
	if prefix == "" {
		return fileName
	}
	if !strings.Contains(prefix, ArchiveSeparator) && strings.Contains(prefix, "!") {
		prefix = strings.Replace(prefix, "!", ArchiveSeparator, 1)
	}
	if strings.Contains(prefix, ArchiveSeparator) {
		return strings.TrimSuffix(prefix, "/") + "/" + fileName
	}

	archive := archivePrefix(prefix)
	if archive == "" {
		return prefix + "/" + fileName
	}
	inner := strings.Trim(strings.TrimPrefix(prefix, archive), "/")
	if inner == "" {
		return archive + ArchiveSeparator + fileName
	}
	return archive + ArchiveSeparator + inner + "/" + fileName
}

// archivePrefix returns the leading part of target that names an archive, or "".
func archivePrefix(target string) string {
	segments := strings.Split(target, "/")
	for i, segment := range segments {
		if IsArchive(segment) {
			return strings.Join(segments[:i+1], "/")
		}
	}
	return ""
}

// SplitArchivePath separates "archive.zip!/inner/file" into its archive and
// inner parts. ok is false for plain artifact paths.
func SplitArchivePath(artifactPath string) (archive, inner string, ok bool) {
	idx := strings.Index(artifactPath, ArchiveSeparator)
	if idx < 0 {
		return "", "", false
	}
	return artifactPath[:idx], artifactPath[idx+len(ArchiveSeparator):], true
}
