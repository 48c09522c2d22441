package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// definition is the canonical hashing subset of a Capability: everything
// that defines behaviour, nothing that is runtime state. ID, registration
// time, and counters are excluded so the hash is stable across restarts.
type definition struct {
	Kind          Kind          `json:"kind"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	Version       string        `json:"version,omitempty"`
	Category      string        `json:"category,omitempty"`
	SecurityClass SecurityClass `json:"security_class,omitempty"`
	Source        string        `json:"source,omitempty"`
	Keywords      []string      `json:"keywords,omitempty"`
	Tool          *ToolDef      `json:"tool,omitempty"`
	Prompt        *PromptDef    `json:"prompt,omitempty"`
	Resource      *ResourceDef  `json:"resource,omitempty"`
}

// DefinitionHash computes the SHA-256 of the RFC 8785 canonical JSON form of
// the capability's definition.
func DefinitionHash(c *Capability) (string, error) {
	def := definition{
		Kind:          c.Kind,
		Name:          c.Name,
		Description:   c.Description,
		Version:       c.Version,
		Category:      c.Category,
		SecurityClass: c.SecurityClass,
		Source:        c.Source,
		Keywords:      c.Keywords,
		Tool:          c.Tool,
		Prompt:        c.Prompt,
		Resource:      c.Resource,
	}

	data, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("marshalling definition: %w", err)
	}

	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("canonicalizing definition: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint normalizes a copy of c (defaults applied, derived fields
// filled) and returns its definition hash. Discovery uses it to decide
// between register, replace, and skip without mutating the candidate.
func Fingerprint(c *Capability) (string, error) {
	cp := c.clone()
	cp.normalize()
	return DefinitionHash(cp)
}

// ContentSHA computes the SHA-256 of a prompt template's raw text.
func ContentSHA(template string) string {
	sum := sha256.Sum256([]byte(template))
	return hex.EncodeToString(sum[:])
}
