// Package offer evaluates conditional offers against shopping baskets.
package offer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/net/idna"

	"github.com/xenking/oolio-offers/internal/domain/productrange"
)

// BenefitType enumerates the supported discount mechanisms.
type BenefitType string

const (
	// BenefitPercentage discounts a percentage of each affected unit price.
	BenefitPercentage BenefitType = "percentage"
	// BenefitFixed discounts a fixed amount spread over the affected units.
	BenefitFixed BenefitType = "fixed"
)

var (
	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrNotApplicable is returned when the offer's conditions are not met
	// by the basket. It is a control result, not a failure.
	ErrNotApplicable = errors.New("offer not applicable")
)

// ValidationError reports configuration that violates an offer or benefit
// invariant. It is only produced when offers are written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Benefit is the discount an offer grants.
type Benefit struct {
	ID    int64
	Type  BenefitType
	Value decimal.Decimal
	// MaxAffectedItems caps the number of discounted units; zero means
	// unbounded.
	MaxAffectedItems int
	// EnterpriseCustomer restricts a percentage benefit to owners linked to
	// that enterprise customer.
	EnterpriseCustomer uuid.NullUUID
}

// IsEnterprise reports whether the benefit only applies to learners linked
// to an enterprise customer.
func (b Benefit) IsEnterprise() bool {
	return b.EnterpriseCustomer.Valid
}

// Validate checks the benefit type and value.
func (b Benefit) Validate() error {
	switch b.Type {
	case BenefitPercentage, BenefitFixed:
	default:
		return &ValidationError{Field: "benefit type", Reason: fmt.Sprintf("unrecognised benefit type %q", b.Type)}
	}
	if b.Value.IsNegative() {
		return &ValidationError{Field: "benefit value", Reason: "may not be a negative number"}
	}
	if b.MaxAffectedItems < 0 {
		return &ValidationError{Field: "benefit max affected items", Reason: "may not be a negative number"}
	}
	if b.IsEnterprise() && b.Type != BenefitPercentage {
		return &ValidationError{Field: "benefit type", Reason: "enterprise benefits must be percentage benefits"}
	}
	return nil
}

// Condition is a count condition: the basket must hold at least Value units
// of products in the range.
type Condition struct {
	ID    int64
	Range *productrange.Range
	Value int
}

// ConditionalOffer ties a condition to a benefit.
type ConditionalOffer struct {
	ID   int64
	Name string
	// EmailDomains is a comma-separated list of allowed owner email domains.
	// Nil means any owner qualifies.
	EmailDomains *string
	// MaxGlobalApplications caps how often the offer may be applied across
	// all orders. Nil means unlimited.
	MaxGlobalApplications *int
	NumApplications       int
	// MaxDiscount caps the discount granted across all applications.
	// Invalid means no cap.
	MaxDiscount decimal.NullDecimal
	// TotalDiscount is the discount granted by recorded applications.
	TotalDiscount decimal.Decimal
	Benefit       Benefit
	Condition     Condition
}

// Available reports whether the offer has applications and discount budget
// left.
func (o *ConditionalOffer) Available() bool {
	if o.MaxGlobalApplications != nil && o.NumApplications >= *o.MaxGlobalApplications {
		return false
	}
	return !o.MaxDiscount.Valid || o.TotalDiscount.LessThan(o.MaxDiscount.Decimal)
}

// RemainingDiscount is the budget left under MaxDiscount, or an invalid
// value when the offer is uncapped.
func (o *ConditionalOffer) RemainingDiscount() decimal.NullDecimal {
	if !o.MaxDiscount.Valid {
		return decimal.NullDecimal{}
	}
	left := o.MaxDiscount.Decimal.Sub(o.TotalDiscount)
	if left.IsNegative() {
		left = decimal.Zero
	}
	return decimal.NewNullDecimal(left)
}

// Validate checks the offer fields and its benefit.
func (o *ConditionalOffer) Validate() error {
	if err := validateEmailDomains(o.EmailDomains); err != nil {
		return err
	}
	if o.MaxGlobalApplications != nil && *o.MaxGlobalApplications < 1 {
		return &ValidationError{Field: "max_global_applications", Reason: "must be a positive number"}
	}
	if o.MaxDiscount.Valid && !o.MaxDiscount.Decimal.IsPositive() {
		return &ValidationError{Field: "max_discount", Reason: "must be a positive amount"}
	}
	if o.Condition.Range == nil {
		return &ValidationError{Field: "condition range", Reason: "is required"}
	}
	if o.Condition.Value < 0 {
		return &ValidationError{Field: "condition value", Reason: "may not be a negative number"}
	}
	return o.Benefit.Validate()
}

var encodedLabel = regexp.MustCompile(`^[a-z0-9-]+$`)

func validateEmailDomains(domains *string) error {
	if domains == nil {
		return nil
	}
	if *domains == "" {
		return &ValidationError{Field: "email domains", Reason: "may not be an empty string"}
	}

	list := strings.Split(*domains, ",")
	if list[len(list)-1] == "" {
		return &ValidationError{Field: "email domains", Reason: "trailing comma is not allowed"}
	}
	for _, domain := range list {
		if !validDomain(domain) {
			return &ValidationError{Field: "email domains", Reason: fmt.Sprintf("email domain [%s] is invalid", domain)}
		}
	}
	return nil
}

func validDomain(domain string) bool {
	labels := strings.Split(domain, ".")
	tld := labels[len(labels)-1]
	if strings.Contains(domain, "--") || len(labels) < 2 || len(tld) < 2 || strings.ContainsAny(tld, "-0123456789") {
		return false
	}

	for _, label := range labels {
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
		encoded, err := idna.ToASCII(strings.ToLower(label))
		if err != nil || !encodedLabel.MatchString(encoded) {
			return false
		}
	}
	return true
}
