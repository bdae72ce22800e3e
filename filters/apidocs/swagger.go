package apidocs

import (
	"encoding/json"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/aiolos/octopus/policy"
)

// SwaggerConfigPath is where the swagger UI looks up the documents.
const SwaggerConfigPath = "/v3/api-docs/swagger-config"

// PolicySource provides the current configuration snapshot, implemented
// by policy.Store.
type PolicySource interface {
	Get() *policy.Snapshot
}

// SwaggerURL is a document entry of the swagger-config.
type SwaggerURL struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// SwaggerConfig lists the documents of the routed services.
type SwaggerConfig struct {
	URLs []SwaggerURL `json:"urls"`
}

type swaggerConfigHandler struct {
	policies      PolicySource
	servicePrefix string
	gatewayID     string
}

// SwaggerConfigHandler serves the swagger-config of the routed services
// whose id starts with servicePrefix. The service gatewayID is left out.
func SwaggerConfigHandler(policies PolicySource, servicePrefix, gatewayID string) http.Handler {
	return &swaggerConfigHandler{
		policies:      policies,
		servicePrefix: servicePrefix,
		gatewayID:     gatewayID,
	}
}

// Config returns the current swagger-config.
func (h *swaggerConfigHandler) Config() SwaggerConfig {
	c := SwaggerConfig{URLs: []SwaggerURL{}}
	for _, s := range h.policies.Get().Routes.Services() {
		if !strings.HasPrefix(s, h.servicePrefix) || s == h.gatewayID {
			continue
		}

		c.URLs = append(c.URLs, SwaggerURL{Name: s, URL: "/" + s + "/v3/api-docs"})
	}

	return c
}

func (h *swaggerConfigHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Config()); err != nil {
		log.Errorf("Failed to write the swagger-config: %v", err)
	}
}
