package server

import (
	"embed"

	"github.com/signtusk/multisigner/pkg/api"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	createRequestSchema = mustSchema("create_request")
	signSchema          = mustSchema("sign")
	declineSchema       = mustSchema("decline")
	mfaEnableSchema     = mustSchema("mfa_enable")
)

func mustSchema(name string) *api.Schema {
	doc, err := schemaFS.ReadFile("schemas/" + name + ".schema.json")
	if err != nil {
		panic(err)
	}
	return api.MustCompileSchema(name, string(doc))
}
