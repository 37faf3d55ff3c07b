package symbols

import "strings"

// GuidLength is the length of a normalized PDB signature.
const GuidLength = 32

// ExtractGuid normalizes a raw signature. With cut set the signature is
// truncated to GuidLength characters, which drops the trailing age/debug-type
// character a PDB signature carries. The result is always lowercase.
func ExtractGuid(sign string, cut bool) string {
	if cut && len(sign) > GuidLength {
		sign = sign[:GuidLength]
	}
	return strings.ToLower(sign)
}

// MetadataKey builds the composite lookup key for a signature and file name.
func MetadataKey(guid, fileName string) string {
	return guid + ":" + fileName
}
