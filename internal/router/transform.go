package router

import (
	"net/http"
	"strings"

	"github.com/fieldsight/gateway/internal/config"
)

// ApplyTransforms applies the route's transforms to the outbound request
// in configuration order. The request is the per-dispatch clone; the
// inbound request is never mutated.
func ApplyTransforms(r *http.Request, transforms []config.Transform) {
	for i := range transforms {
		applyTransform(r, &transforms[i])
	}
}

func applyTransform(r *http.Request, t *config.Transform) {
	switch t.Type {
	case config.TransformStripPrefix:
		stripPrefix(r, t.Value)
	case config.TransformPrependPrefix:
		r.URL.Path = t.Value + r.URL.Path
	case config.TransformSetHeader:
		r.Header.Set(t.Name, t.HeaderValue)
	case config.TransformRemoveHeader:
		r.Header.Del(t.Name)
	}
}

func stripPrefix(r *http.Request, prefix string) {
	if !strings.HasPrefix(r.URL.Path, prefix) {
		return
	}
	stripped := r.URL.Path[len(prefix):]
	if stripped == "" {
		stripped = "/"
	}
	r.URL.Path = stripped
}
