package domain

import (
	"fmt"
	"strings"
)

// Bundle is the deliverable for one order, grouped by product.
type Bundle struct {
	OrderID  string
	Sections []BundleSection
}

type BundleSection struct {
	ProductID string
	Label     string
	Payloads  []string
}

// FileName is the attachment name used for a section.
func (b Bundle) FileName(s BundleSection) string {
	return fmt.Sprintf("order_%s_%s.txt", b.OrderID, s.ProductID)
}

// Text renders a section as a plain-text attachment, one payload per line.
func (s BundleSection) Text() string {
	var sb strings.Builder
	sb.WriteString(s.Label)
	sb.WriteString("\n\n")
	for _, p := range s.Payloads {
		sb.WriteString(p)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Count is the number of payloads across all sections.
func (b Bundle) Count() int {
	n := 0
	for _, s := range b.Sections {
		n += len(s.Payloads)
	}
	return n
}
