package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/melih-ucgun/rumi/internal/core"
)

// Kind classifies what a backup contains. It is metadata only.
type Kind string

const (
	KindWebsite       Kind = "Website"
	KindServer        Kind = "Server"
	KindDatabase      Kind = "Database"
	KindConfiguration Kind = "Configuration"
)

var kinds = []Kind{KindWebsite, KindServer, KindDatabase, KindConfiguration}

// ParseKind accepts a kind name in any letter case.
func ParseKind(s string) (Kind, error) {
	for _, k := range kinds {
		if strings.EqualFold(s, string(k)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown backup kind %q", s)
}

func (k Kind) Valid() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if !Kind(s).Valid() {
		return fmt.Errorf("unknown backup kind %q", s)
	}
	*k = Kind(s)
	return nil
}

// Record describes one backup archive. Records are immutable once persisted:
// they are only ever created or deleted as a whole.
type Record struct {
	ID             string    `json:"id"`
	DeploymentName string    `json:"deployment_name"`
	Domain         string    `json:"domain"`
	CreatedAt      time.Time `json:"created_at"`
	Kind           Kind      `json:"kind"`
	ArtifactPath   string    `json:"artifact_path"`
	SizeBytes      uint64    `json:"size_bytes"`
	Description    *string   `json:"description"`
}

// DescriptionText returns the description or "" when it is null.
func (r Record) DescriptionText() string {
	if r.Description == nil {
		return ""
	}
	return *r.Description
}

// Encode returns the canonical metadata form of r.
func Encode(r Record) ([]byte, error) {
	r.CreatedAt = r.CreatedAt.UTC()
	return json.MarshalIndent(r, "", "  ")
}

// Decode parses a metadata payload. Every failure is a *core.ParseError.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, &core.ParseError{What: "backup metadata", Input: snippet(data), Err: err}
	}
	if r.ID == "" {
		return Record{}, &core.ParseError{What: "backup metadata", Input: snippet(data), Err: errors.New("missing id")}
	}
	if !r.Kind.Valid() {
		return Record{}, &core.ParseError{What: "backup metadata", Input: snippet(data), Err: errors.New("missing kind")}
	}
	if r.CreatedAt.IsZero() {
		return Record{}, &core.ParseError{What: "backup metadata", Input: snippet(data), Err: errors.New("missing created_at")}
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func snippet(data []byte) string {
	const limit = 64
	s := strings.TrimSpace(string(data))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
