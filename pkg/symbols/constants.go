// Package symbols holds the pieces shared by the build-time indexer and the
// symbol server: the signature index document format, signature normalization,
// PE signature extraction and artifact path handling.
package symbols

const (
	// HiddenDir is the artifact directory that receives the signature index documents of a build.
	HiddenDir = ".symbold/symbols"
	// SourcesDir is the artifact directory that receives indexed source files of a build.
	SourcesDir = ".symbold/sources"

	SymbolSignaturesPrefix      = "symbol-signatures-artifacts-"
	BinarySignaturesPrefix      = "binary-signatures-artifacts-"
	SymbolSignaturesLocalPrefix = "symbol-signatures-local-"
	BinarySignaturesLocalPrefix = "binary-signatures-local-"
	IndexExtension              = ".xml"

	// ProviderID identifies metadata records written by the symbols index provider.
	ProviderID = "symbols-index-provider"

	FieldSign         = "sign"
	FieldFileName     = "file-name"
	FieldArtifactPath = "artifact-path"

	// SymbolsPath is the URL prefix debuggers use as a symbol store.
	SymbolsPath = "/app/symbols"
	// SourcesPath is the URL prefix embedded into patched symbol files.
	SourcesPath = "/app/sources"

	// PermissionViewBuildRuntimeData is required on a build's project to download its symbols and sources.
	PermissionViewBuildRuntimeData = "view_build_runtime_data"
)
