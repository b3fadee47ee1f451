package capture

import "github.com/procpulse/procpulse/pkg/domain"

// Config holds capture engine configuration
type Config struct {
	Name string `yaml:"name" json:"name"`

	// Per-category capture enables. A category absent from the map is
	// treated as enabled.
	Categories map[domain.EventCategory]bool `yaml:"categories" json:"categories"`

	// Path to the compiled BPF object loaded by the Linux source.
	BPFObjectPath string `yaml:"bpf_object_path" json:"bpf_object_path"`
}

// NewDefaultConfig returns default configuration with all categories enabled.
func NewDefaultConfig(name string) *Config {
	return &Config{
		Name: name,
		Categories: map[domain.EventCategory]bool{
			domain.CategoryFileSystem: true,
			domain.CategoryRegistry:   true,
			domain.CategoryProcess:    true,
			domain.CategoryNetwork:    true,
		},
		BPFObjectPath: "/usr/lib/procpulse/procpulse.bpf.o",
	}
}

// CategoryEnabled reports whether a category should be captured.
func (c *Config) CategoryEnabled(cat domain.EventCategory) bool {
	if c.Categories == nil {
		return true
	}
	enabled, ok := c.Categories[cat]
	return !ok || enabled
}
