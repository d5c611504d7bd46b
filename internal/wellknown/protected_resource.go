// Package wellknown holds the OAuth 2.0 Protected Resource Metadata document
// (RFC 9728) advertised by a bearer-protected resource.
package wellknown

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ProtectedResourcePrefix is the well-known path prefix of the PRM document.
const ProtectedResourcePrefix = "/.well-known/oauth-protected-resource"

type ProtectedResourceMetadata struct {
	Resource                          string   `json:"resource"`
	AuthorizationServers              []string `json:"authorization_servers,omitempty"`
	JwksURI                           string   `json:"jwks_uri,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported            []string `json:"bearer_methods_supported,omitempty"`
	ResourceSigningAlgValuesSupported []string `json:"resource_signing_alg_values_supported,omitempty"`
	ResourceName                      string   `json:"resource_name,omitempty"`
	ResourceDocumentation             string   `json:"resource_documentation,omitempty"`
}

// ProtectedResourceURL returns the PRM document location for resource:
// the well-known prefix inserted between host and path.
func ProtectedResourceURL(resource *url.URL) *url.URL {
	return &url.URL{
		Scheme: resource.Scheme,
		Host:   resource.Host,
		Path:   ProtectedResourcePrefix + strings.TrimSuffix(resource.Path, "/"),
	}
}

// Handler serves doc with permissive CORS so browser clients can discover
// the authorization server.
func Handler(doc ProtectedResourceMetadata) http.Handler {
	body, err := json.Marshal(doc)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		switch r.Method {
		case http.MethodOptions:
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet, http.MethodHead:
			if err != nil {
				http.Error(w, fmt.Sprintf("failed to encode protected resource metadata: %v", err), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(body)
		default:
			w.Header().Set("Allow", "GET, OPTIONS")
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}
