package billing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/strata/pkg/metering"
	"github.com/Mindburn-Labs/strata/pkg/quota"
)

// LineItem is one priced row of a statement. Quantity is integer by
// construction: seconds of held capacity for time units, billable calls for
// the call unit.
type LineItem struct {
	Resource      quota.Resource `json:"resource"`
	Unit          Unit           `json:"unit"`
	Quantity      int64          `json:"quantity"`
	UnitCostMinor int64          `json:"unit_cost_minor"`
	AmountMinor   int64          `json:"amount_minor"`
}

// Statement is an itemized bill for one tenant period. Checksum is the
// sha256 hex of the RFC 8785 canonical JSON of the statement with the
// checksum field empty, so any later edit is detectable.
type Statement struct {
	TenantID      string          `json:"tenant_id"`
	Period        metering.Period `json:"period"`
	LineItems     []LineItem      `json:"line_items"`
	SubtotalMinor int64           `json:"subtotal_minor"`
	// TaxBasisPoints is the applied rate in basis points (1000 = 10%).
	TaxBasisPoints int       `json:"tax_basis_points"`
	TaxMinor       int64     `json:"tax_minor"`
	TotalMinor     int64     `json:"total_minor"`
	Currency       string    `json:"currency"`
	GeneratedAt    time.Time `json:"generated_at"`
	Checksum       string    `json:"checksum,omitempty"`
}

// Seal computes and sets the statement checksum.
func (s *Statement) Seal() error {
	sum, err := s.checksum()
	if err != nil {
		return err
	}
	s.Checksum = sum
	return nil
}

// VerifyChecksum reports whether the statement body still matches its seal.
func (s Statement) VerifyChecksum() (bool, error) {
	want := s.Checksum
	if want == "" {
		return false, nil
	}
	got, err := s.checksum()
	if err != nil {
		return false, err
	}
	return got == want, nil
}

func (s Statement) checksum() (string, error) {
	s.Checksum = ""
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("billing: encode statement: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("billing: canonicalize statement: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// sortLineItems fixes the statement order: by resource, then unit, then
// unit cost. Rule version splits within one resource stay adjacent.
func sortLineItems(items []LineItem) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Resource != b.Resource {
			return a.Resource < b.Resource
		}
		if a.Unit != b.Unit {
			return a.Unit < b.Unit
		}
		return a.UnitCostMinor < b.UnitCostMinor
	})
}
