package symbols

// SignatureIndexEntry ties a signature to a file name and, once known, to the
// artifact path the file is published under.
type SignatureIndexEntry struct {
	Guid         string
	FileName     string
	ArtifactPath string
}

// Key returns the composite metadata key of the entry.
func (e SignatureIndexEntry) Key() string {
	return MetadataKey(e.Guid, e.FileName)
}
