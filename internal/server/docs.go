package server

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"
)

// openapiSpec is the gateway's API document, embedded so the binary is
// self-contained. The validation middleware shares it.
//
//go:embed openapi.yaml
var openapiSpec []byte

// OpenAPISpec exposes the embedded document.
func OpenAPISpec() []byte {
	return openapiSpec
}

// handleOpenAPISpec serves the API document as YAML or JSON depending on
// the requested path.
func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, ".json") {
		var doc any
		if err := yaml.Unmarshal(openapiSpec, &doc); err != nil {
			s.writeDetail(w, http.StatusInternalServerError, "Failed to render OpenAPI spec")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	w.Write(openapiSpec)
}
