package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/centime.json.
const wellKnownManifest = `{
  "name": "Centime",
  "description": "Job and credit accounting gateway for LLM workloads",
  "version": "0.1.0",
  "api_base": "/api/v1",
  "auth": {
    "type": "bearer",
    "header": "Authorization"
  },
  "endpoints": {
    "jobs": "/api/v1/jobs",
    "completions": "/api/v1/jobs/{jobID}/completions",
    "credits": "/api/v1/credits",
    "model_groups": "/api/v1/modelgroups",
    "usage": "/api/v1/usage"
  },
  "health": "/health"
}`

// WellKnownHandler returns the static Centime well-known manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
