package contracts

import "embed"

// SchemaFS holds the JSON Schema documents for every contract kind.
// File naming follows "<kind>.schema.json".
//
//go:embed schemas/*.schema.json
var SchemaFS embed.FS
