package domain

import (
	"errors"
	"fmt"
	"strings"
)

// DocumentKind identifies a document collected during intake.
type DocumentKind string

const (
	DocumentIdentity       DocumentKind = "identity"
	DocumentProofOfAddress DocumentKind = "proof_of_address"
	DocumentCaseProtocol   DocumentKind = "case_protocol"
	DocumentDamageEvidence DocumentKind = "damage_evidence"
	DocumentOther          DocumentKind = "other"
)

var documentLabels = map[DocumentKind]string{
	DocumentIdentity:       "documento de identidade com foto (RG ou CNH)",
	DocumentProofOfAddress: "comprovante de residência recente",
	DocumentCaseProtocol:   "protocolo ou comprovante da reclamação feita à empresa",
	DocumentDamageEvidence: "fotos ou outras provas do prejuízo",
	DocumentOther:          "documento não identificado",
}

// Label returns the customer-facing (pt-BR) name of the document kind.
func (k DocumentKind) Label() string {
	if l, ok := documentLabels[k]; ok {
		return l
	}
	if k == "" {
		return documentLabels[DocumentOther]
	}
	return strings.ReplaceAll(string(k), "_", " ")
}

var kindAliases = map[string]DocumentKind{
	"identity":          DocumentIdentity,
	"identity_document": DocumentIdentity,
	"id":                DocumentIdentity,
	"rg":                DocumentIdentity,
	"cnh":               DocumentIdentity,
	"proof_of_address":  DocumentProofOfAddress,
	"address":           DocumentProofOfAddress,
	"case_protocol":     DocumentCaseProtocol,
	"protocol":          DocumentCaseProtocol,
	"protocolo":         DocumentCaseProtocol,
	"case_evidence":     DocumentCaseProtocol,
	"damage_evidence":   DocumentDamageEvidence,
	"damage":            DocumentDamageEvidence,
	"evidence":          DocumentDamageEvidence,
}

// ParseDocumentKind maps a raw label onto the closed kind set. Anything it
// does not recognise becomes DocumentOther.
func ParseDocumentKind(raw string) DocumentKind {
	if k, ok := kindAliases[normalizeKind(raw)]; ok {
		return k
	}
	return DocumentOther
}

func normalizeKind(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	return strings.NewReplacer("-", "_", " ", "_").Replace(key)
}

// Checklist records which documents a contact has furnished.
type Checklist struct {
	Received map[DocumentKind]bool `json:"received"`
}

// Has reports whether kind was received.
func (c Checklist) Has(kind DocumentKind) bool {
	return c.Received[kind]
}

// HasClassifiedDocument reports whether any tracked kind was received. Files
// classified as DocumentOther never count.
func (c Checklist) HasClassifiedDocument() bool {
	for _, ok := range c.Received {
		if ok {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (c Checklist) Clone() Checklist {
	out := Checklist{Received: make(map[DocumentKind]bool, len(c.Received))}
	for k, v := range c.Received {
		out.Received[k] = v
	}
	return out
}

// Requirements is the ordered set of documents an intake must collect.
// Required kinds gate completion in priority order; optional kinds are
// tracked but never reported as missing.
type Requirements struct {
	Required []DocumentKind
	Optional []DocumentKind
}

// DefaultRequirements returns the office's standard checklist.
func DefaultRequirements() Requirements {
	return Requirements{
		Required: []DocumentKind{DocumentIdentity, DocumentProofOfAddress, DocumentCaseProtocol},
		Optional: []DocumentKind{DocumentDamageEvidence},
	}
}

// NewRequirements validates a configured checklist.
func NewRequirements(required, optional []DocumentKind) (Requirements, error) {
	if len(required) == 0 {
		return Requirements{}, errors.New("domain: at least one required document kind is needed")
	}
	seen := make(map[DocumentKind]bool, len(required)+len(optional))
	for _, k := range append(append([]DocumentKind{}, required...), optional...) {
		if k == "" || k == DocumentOther {
			return Requirements{}, fmt.Errorf("domain: invalid document kind %q", k)
		}
		if seen[k] {
			return Requirements{}, fmt.Errorf("domain: duplicate document kind %q", k)
		}
		seen[k] = true
	}
	return Requirements{
		Required: append([]DocumentKind{}, required...),
		Optional: append([]DocumentKind{}, optional...),
	}, nil
}

// Tracks reports whether kind belongs to the checklist.
func (r Requirements) Tracks(kind DocumentKind) bool {
	for _, k := range r.Required {
		if k == kind {
			return true
		}
	}
	for _, k := range r.Optional {
		if k == kind {
			return true
		}
	}
	return false
}

// Parse maps a raw label onto a tracked kind, accepting configured kinds that
// have no built-in alias.
func (r Requirements) Parse(raw string) DocumentKind {
	if k := ParseDocumentKind(raw); k != DocumentOther {
		return k
	}
	if k := DocumentKind(normalizeKind(raw)); r.Tracks(k) {
		return k
	}
	return DocumentOther
}

// Apply marks kind as received and returns the updated copy. Untracked kinds,
// including DocumentOther, leave the checklist unchanged.
func (r Requirements) Apply(c Checklist, kind DocumentKind) Checklist {
	out := c.Clone()
	if !r.Tracks(kind) {
		return out
	}
	out.Received[kind] = true
	return out
}

// Missing lists required kinds not yet received, in priority order.
func (r Requirements) Missing(c Checklist) []DocumentKind {
	var missing []DocumentKind
	for _, k := range r.Required {
		if !c.Has(k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// IsComplete reports whether every required kind was received.
func (r Requirements) IsComplete(c Checklist) bool {
	return len(r.Missing(c)) == 0
}

// ReceivedKinds lists the tracked kinds already received, required first.
func (r Requirements) ReceivedKinds(c Checklist) []DocumentKind {
	var got []DocumentKind
	for _, k := range r.Required {
		if c.Has(k) {
			got = append(got, k)
		}
	}
	for _, k := range r.Optional {
		if c.Has(k) {
			got = append(got, k)
		}
	}
	return got
}
