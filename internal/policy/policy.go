// Package policy resolves the retention and quota policy that applies to a stream.
package policy

import (
	"fmt"
	"strings"
	"time"
)

// RotationStrategy decides which files are evicted first when a stream is over quota.
type RotationStrategy string

const (
	OldestFirst  RotationStrategy = "oldest"
	LargestFirst RotationStrategy = "largest"
)

const Day = 24 * time.Hour

// DefaultFilenameTemplate is used when no template is configured.
const DefaultFilenameTemplate = "{streamName}_{timestamp}.mp4"

// ParseRotationStrategy accepts the short and the long spellings of a strategy.
func ParseRotationStrategy(s string) (RotationStrategy, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "")) {
	case "oldest", "oldestfirst":
		return OldestFirst, nil
	case "largest", "largestfirst":
		return LargestFirst, nil
	}
	return "", fmt.Errorf("unknown rotation strategy %q", s)
}

// Policy is the effective policy of one stream.
type Policy struct {
	MaxAge           time.Duration    `json:"max_age"`
	MaxSpaceBytes    int64            `json:"max_space_bytes"` // 0 = unlimited
	Enabled          bool             `json:"enabled"`
	AutoRecord       bool             `json:"auto_record"`
	RotationStrategy RotationStrategy `json:"rotation_strategy"`
	FilenameTemplate string           `json:"filename_template"`
}

// Override is a per-stream policy record. Nil fields inherit the global value.
type Override struct {
	MaxAgeDays       *float64 `yaml:"max_age_days" json:"max_age_days,omitempty"`
	MaxSpaceMB       *int64   `yaml:"max_space_mb" json:"max_space_mb,omitempty"`
	Enabled          *bool    `yaml:"enabled" json:"enabled,omitempty"`
	AutoRecord       *bool    `yaml:"auto_record" json:"auto_record,omitempty"`
	RotationStrategy *string  `yaml:"rotation_strategy" json:"rotation_strategy,omitempty"`
	FilenameTemplate *string  `yaml:"filename_format" json:"filename_format,omitempty"`
}

// Validate reports values that Resolve would otherwise ignore.
func (o Override) Validate() error {
	if o.MaxAgeDays != nil && *o.MaxAgeDays < 0 {
		return fmt.Errorf("max_age_days must not be negative")
	}
	if o.MaxSpaceMB != nil && *o.MaxSpaceMB < 0 {
		return fmt.Errorf("max_space_mb must not be negative")
	}
	if o.RotationStrategy != nil {
		if _, err := ParseRotationStrategy(*o.RotationStrategy); err != nil {
			return err
		}
	}
	if o.FilenameTemplate != nil && strings.TrimSpace(*o.FilenameTemplate) == "" {
		return fmt.Errorf("filename_format must not be empty")
	}
	return nil
}

// Resolver overlays per-stream overrides onto the global policy.
type Resolver struct {
	global    Policy
	overrides map[string]Override
}

// NewResolver copies the override table so later changes by the caller are not observed.
func NewResolver(global Policy, overrides map[string]Override) *Resolver {
	if global.FilenameTemplate == "" {
		global.FilenameTemplate = DefaultFilenameTemplate
	}
	if global.RotationStrategy == "" {
		global.RotationStrategy = OldestFirst
	}
	table := make(map[string]Override, len(overrides))
	for id, o := range overrides {
		table[id] = o
	}
	return &Resolver{global: global, overrides: table}
}

// Global returns the default policy.
func (r *Resolver) Global() Policy {
	return r.global
}

// Resolve returns the effective policy for streamID. It never fails.
func (r *Resolver) Resolve(streamID string) Policy {
	p := r.global
	o, ok := r.overrides[streamID]
	if !ok {
		return p
	}

	if o.MaxAgeDays != nil && *o.MaxAgeDays >= 0 {
		p.MaxAge = time.Duration(*o.MaxAgeDays * float64(Day))
	}
	if o.MaxSpaceMB != nil && *o.MaxSpaceMB >= 0 {
		p.MaxSpaceBytes = *o.MaxSpaceMB * 1024 * 1024
	}
	if o.Enabled != nil {
		p.Enabled = *o.Enabled
	}
	if o.AutoRecord != nil {
		p.AutoRecord = *o.AutoRecord
	}
	if o.RotationStrategy != nil {
		if s, err := ParseRotationStrategy(*o.RotationStrategy); err == nil {
			p.RotationStrategy = s
		}
	}
	if o.FilenameTemplate != nil && strings.TrimSpace(*o.FilenameTemplate) != "" {
		p.FilenameTemplate = *o.FilenameTemplate
	}
	return p
}

// MaxSpace reports the quota of streamID in bytes.
func (r *Resolver) MaxSpace(streamID string) int64 {
	return r.Resolve(streamID).MaxSpaceBytes
}
