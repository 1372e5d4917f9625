// Package settings holds the company settings document. The schema is
// closed: unknown fields are rejected and every change goes through a typed
// patch.
package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"
)

// SchemaVersion is bumped whenever Company changes shape.
const SchemaVersion = 1

var ErrInvalid = errors.New("invalid settings")

type Company struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	Timezone  string    `json:"timezone"`
	Currency  string    `json:"currency"`
	LogoKey   string    `json:"logoKey,omitempty"`
	LogoURL   string    `json:"logoUrl,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DefaultCompany is served until an admin saves real values.
func DefaultCompany() Company {
	return Company{
		Version:  SchemaVersion,
		Name:     "My HOA",
		Timezone: "UTC",
		Currency: "USD",
	}
}

// CompanyPatch carries the fields an admin may change. Nil means unchanged.
type CompanyPatch struct {
	Name     *string `json:"name,omitempty"`
	Address  *string `json:"address,omitempty"`
	Email    *string `json:"email,omitempty"`
	Phone    *string `json:"phone,omitempty"`
	Timezone *string `json:"timezone,omitempty"`
	Currency *string `json:"currency,omitempty"`
}

func (p CompanyPatch) Apply(c Company) Company {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	set(&c.Name, p.Name)
	set(&c.Address, p.Address)
	set(&c.Email, p.Email)
	set(&c.Phone, p.Phone)
	set(&c.Timezone, p.Timezone)
	set(&c.Currency, p.Currency)
	c.Currency = strings.ToUpper(c.Currency)
	return c
}

var (
	emailRe    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)
)

func (c Company) Validate() error {
	var errs []error
	if c.Version != SchemaVersion {
		errs = append(errs, fmt.Errorf("unsupported schema version %d", c.Version))
	}
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.Email != "" && !emailRe.MatchString(c.Email) {
		errs = append(errs, fmt.Errorf("email %q is not valid", c.Email))
	}
	if !currencyRe.MatchString(c.Currency) {
		errs = append(errs, fmt.Errorf("currency %q must be a 3-letter code", c.Currency))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil || c.Timezone == "" {
		errs = append(errs, fmt.Errorf("timezone %q is not known", c.Timezone))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// decodeStrict decodes exactly one JSON value into v, rejecting unknown fields.
func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: trailing data after document", ErrInvalid)
	}
	return nil
}

// DecodeCompany parses and validates a stored company document.
func DecodeCompany(data []byte) (Company, error) {
	var c Company
	if err := decodeStrict(bytes.NewReader(data), &c); err != nil {
		return Company{}, err
	}
	return c, c.Validate()
}

// DecodePatch parses a patch from a request body.
func DecodePatch(r io.Reader) (CompanyPatch, error) {
	var p CompanyPatch
	err := decodeStrict(r, &p)
	return p, err
}
