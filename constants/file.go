package constants

import "strings"

// EngineVersion identifies the extraction engine generation. Bumping it
// invalidates every cached row without touching the table.
const EngineVersion = 1

// MaxCachedTextChars caps the extracted text stored per cache row.
const MaxCachedTextChars = 200_000

// AllowedExtensions holds the file extensions the ingest sweep picks up.
var AllowedExtensions = map[string]struct{}{
	"pdf": {},
}

// TempExtensions are scanner/editor droppings skipped during discovery.
var TempExtensions = map[string]struct{}{
	"tmp":  {},
	"temp": {},
	"part": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
