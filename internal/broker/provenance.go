package broker

import (
	"strings"
	"sync/atomic"

	"github.com/yanun0323/errors"

	"tickrelay/internal/reading"
	"tickrelay/pkg/exception"
)

// ProvenanceGate admits only records whose provenance tag equals the approved
// value. It is the trust boundary of the collector.
type ProvenanceGate struct {
	approved atomic.Pointer[string]
}

// NewProvenanceGate creates a gate for tag.
func NewProvenanceGate(tag string) *ProvenanceGate {
	g := &ProvenanceGate{}
	g.Set(tag)
	return g
}

// Set replaces the approved tag.
func (g *ProvenanceGate) Set(tag string) {
	tag = strings.TrimSpace(tag)
	g.approved.Store(&tag)
}

// Approved returns the approved tag.
func (g *ProvenanceGate) Approved() string {
	return *g.approved.Load()
}

// Admit implements reading.Admission.
func (g *ProvenanceGate) Admit(rec reading.Record) error {
	tag := strings.TrimSpace(rec.Provenance)
	if tag == "" {
		return exception.ErrProvenanceMissing
	}
	approved := g.Approved()
	if approved == "" || tag != approved {
		return errors.Wrap(exception.ErrProvenanceMismatch, "admit").With("provenance", tag)
	}
	return nil
}
