// Package productrange decides whether a product belongs to an offer range.
//
// A range matches products in exactly one of four ways: through a static
// catalog's stock records, through a saved query evaluated by the course
// catalog service, through a course catalog hosted by that service, or
// through the default membership rules (explicit product lists). The mode is
// fixed when the range is built from its administrator-supplied Config.
package productrange

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// SeatType is a course enrollment mode that gates the dynamic range modes.
type SeatType string

const (
	SeatCredit       SeatType = "credit"
	SeatProfessional SeatType = "professional"
	SeatVerified     SeatType = "verified"
)

var allowedSeatTypes = map[SeatType]struct{}{
	SeatCredit:       {},
	SeatProfessional: {},
	SeatVerified:     {},
}

// ErrInvalidRange is matched by every range ValidationError.
var ErrInvalidRange = errors.New("invalid range")

// ValidationError reports a range configuration that violates a
// mutual-exclusivity or seat-type rule.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid range: %s", e.Reason)
}

// Is reports whether target is ErrInvalidRange.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRange
}

// Config holds the raw range fields as authored by an administrator.
// Nil pointers and empty strings mean "not set".
type Config struct {
	CatalogID           *int64
	CatalogQuery        *string
	CourseCatalog       *int64
	CourseSeatTypes     *string
	IncludesAllProducts bool
	EnterpriseCustomer  uuid.NullUUID
}

// Mode is the matching strategy of a range. It is one of StaticCatalog,
// DynamicQuery, ExternalCatalog or Default.
type Mode interface {
	mode() string
}

// StaticCatalog matches products stocked in a local catalog.
type StaticCatalog struct {
	CatalogID int64
}

// DynamicQuery matches products whose course run satisfies a saved catalog
// service query.
type DynamicQuery struct {
	Query     string
	SeatTypes SeatTypes
}

// ExternalCatalog matches products contained in a course catalog hosted by
// the catalog service.
type ExternalCatalog struct {
	CatalogID int64
	SeatTypes SeatTypes
}

// Default matches through the default membership rules only.
type Default struct{}

func (StaticCatalog) mode() string   { return "static_catalog" }
func (DynamicQuery) mode() string    { return "dynamic_query" }
func (ExternalCatalog) mode() string { return "external_catalog" }
func (Default) mode() string         { return "default" }

// ModeName returns a stable identifier for m, used in logs and telemetry.
func ModeName(m Mode) string {
	if m == nil {
		return Default{}.mode()
	}
	return m.mode()
}

// Range is a validated product-membership predicate.
type Range struct {
	ID                  int64
	Name                string
	Mode                Mode
	IncludesAllProducts bool
	EnterpriseCustomer  uuid.NullUUID
}

// New validates cfg and normalizes it into a Range with exactly one Mode.
func New(id int64, name string, cfg Config) (*Range, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Range{
		ID:                  id,
		Name:                name,
		IncludesAllProducts: cfg.IncludesAllProducts,
		EnterpriseCustomer:  cfg.EnterpriseCustomer,
	}

	switch {
	case cfg.CatalogID != nil:
		r.Mode = StaticCatalog{CatalogID: *cfg.CatalogID}
	case set(cfg.CatalogQuery):
		seats, _ := ParseSeatTypes(*cfg.CourseSeatTypes)
		r.Mode = DynamicQuery{Query: *cfg.CatalogQuery, SeatTypes: seats}
	case cfg.CourseCatalog != nil:
		seats, _ := ParseSeatTypes(*cfg.CourseSeatTypes)
		r.Mode = ExternalCatalog{CatalogID: *cfg.CourseCatalog, SeatTypes: seats}
	default:
		r.Mode = Default{}
	}
	return r, nil
}

// Validate checks the mutual-exclusivity rules in order and returns the first
// violation. It has no side effects and may be called any number of times.
func (c Config) Validate() error {
	hasCatalog := c.CatalogID != nil
	hasQuery := set(c.CatalogQuery)
	hasCourseCatalog := c.CourseCatalog != nil
	hasSeats := set(c.CourseSeatTypes)

	if hasCatalog && (hasCourseCatalog || hasQuery || hasSeats) {
		return &ValidationError{Reason: "catalog and dynamic catalog fields may not be set in the same range"}
	}

	const pairing = "either catalog_query or course_catalog must be given but not both, together with course_seat_types"
	switch {
	case hasQuery && hasCourseCatalog:
		return &ValidationError{Reason: pairing}
	case (hasQuery || hasCourseCatalog) && !hasSeats:
		return &ValidationError{Reason: pairing}
	case hasSeats && !(hasQuery || hasCourseCatalog):
		return &ValidationError{Reason: pairing}
	}

	if hasSeats {
		if _, err := ParseSeatTypes(*c.CourseSeatTypes); err != nil {
			return err
		}
	}
	return nil
}

// SeatTypes is a validated set of seat types.
type SeatTypes []SeatType

// ParseSeatTypes parses a comma-separated seat type list. Credit may not be
// combined with any other seat type.
func ParseSeatTypes(raw string) (SeatTypes, error) {
	if raw == "" {
		return nil, &ValidationError{Reason: "course seat types may not be empty"}
	}

	parts := strings.Split(raw, ",")
	seats := make(SeatTypes, 0, len(parts))
	for _, p := range parts {
		st := SeatType(p)
		if _, ok := allowedSeatTypes[st]; !ok {
			return nil, &ValidationError{Reason: fmt.Sprintf(
				"course seat type %q is not allowed, allowed values are credit, professional, verified", p,
			)}
		}
		seats = append(seats, st)
	}

	if len(seats) > 1 && seats.has(SeatCredit) {
		return nil, &ValidationError{Reason: "credit seat type cannot be paired with other seat types"}
	}
	return seats, nil
}

// Allows reports whether a product certificate type is one of the seat
// types. The comparison ignores case.
func (s SeatTypes) Allows(certificateType string) bool {
	return s.has(SeatType(strings.ToLower(certificateType)))
}

// String returns the comma-separated form accepted by ParseSeatTypes.
func (s SeatTypes) String() string {
	parts := make([]string, len(s))
	for i, st := range s {
		parts[i] = string(st)
	}
	return strings.Join(parts, ",")
}

func (s SeatTypes) has(st SeatType) bool {
	for _, v := range s {
		if v == st {
			return true
		}
	}
	return false
}

func set(s *string) bool {
	return s != nil && *s != ""
}
