package config

import "strings"

// Route represents one routing rule. Routes are immutable after load.
type Route struct {
	ID string `yaml:"id" json:"id"`

	// Path is matched exactly unless it ends with "/*", in which case
	// the static prefix before the wildcard matches any remainder.
	Path string `yaml:"path" json:"path"`

	// Methods restricts the allowed HTTP methods; empty means any.
	Methods []string `yaml:"methods,omitempty" json:"methods,omitempty"`

	// ClusterID is the target cluster.
	ClusterID string `yaml:"clusterId" json:"clusterId"`

	// Transforms are applied in order before dispatch.
	Transforms []Transform `yaml:"transforms,omitempty" json:"transforms,omitempty"`

	// RateLimit overrides the global default rule for this route.
	RateLimit *RateLimitRule `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
}

// Transform kinds.
const (
	TransformStripPrefix   = "stripPrefix"
	TransformPrependPrefix = "prependPrefix"
	TransformSetHeader     = "setHeader"
	TransformRemoveHeader  = "removeHeader"
)

// Transform is one header or path rewrite applied to the outbound request.
type Transform struct {
	Type  string `yaml:"type" json:"type"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`

	// Name and HeaderValue apply to header transforms.
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	HeaderValue string `yaml:"headerValue,omitempty" json:"headerValue,omitempty"`
}

// IsWildcard reports whether the route path carries a wildcard remainder.
func (r *Route) IsWildcard() bool {
	return strings.HasSuffix(r.Path, "/*")
}

// Prefix returns the static path prefix for wildcard routes, or the full
// path for exact routes.
func (r *Route) Prefix() string {
	if r.IsWildcard() {
		return strings.TrimSuffix(r.Path, "/*")
	}
	return r.Path
}

// AllowsMethod reports whether the route accepts the given HTTP method.
func (r *Route) AllowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}
