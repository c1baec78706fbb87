package mapper

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/Ajtak/cas/ticket"
)

// Case is a table name conversion rule.
type Case string

const (
	// CaseUpperUnderscore turns "casTickets" into "CAS_TICKETS". Existing
	// relational deployments use this form.
	CaseUpperUnderscore Case = "upper_underscore"
	// CaseLowerUnderscore turns "casTickets" into "cas_tickets".
	CaseLowerUnderscore Case = "lower_underscore"
	// CaseVerbatim keeps names as configured.
	CaseVerbatim Case = "verbatim"
)

// Naming derives physical table (or partition) names.
type Naming struct {
	// Base is the shared table name, in camelCase.
	Base string
	// Case converts Base and the per-type labels.
	Case Case
	// PerType stores each ticket type in its own table named after the
	// type's catalog label.
	PerType bool
}

// DefaultNaming matches the schema of existing deployments.
func DefaultNaming() Naming {
	return Naming{Base: "casTickets", Case: CaseUpperUnderscore}
}

func (n Naming) convert(name string) (string, error) {
	switch n.Case {
	case CaseUpperUnderscore, "":
		return strings.ToUpper(underscore(name)), nil
	case CaseLowerUnderscore:
		return strings.ToLower(underscore(name)), nil
	case CaseVerbatim:
		return name, nil
	}
	return "", fmt.Errorf("mapper: unknown naming case %q", n.Case)
}

// tables computes the per-type table map and validates name lengths.
func (n Naming) tables(catalog *ticket.Catalog, maxLen int) (map[ticket.Type]string, error) {
	if n.Base == "" {
		n.Base = DefaultNaming().Base
	}
	base, err := n.convert(n.Base)
	if err != nil {
		return nil, err
	}
	out := make(map[ticket.Type]string)
	for _, typ := range catalog.Types() {
		name := base
		if n.PerType {
			d, _ := catalog.Lookup(typ)
			label := d.Label
			if label == "" {
				label = strings.ToLower(string(typ)) + "Tickets"
			}
			if name, err = n.convert(label); err != nil {
				return nil, err
			}
		}
		if maxLen > 0 && len(name) > maxLen {
			return nil, fmt.Errorf("mapper: table name %q exceeds %d characters", name, maxLen)
		}
		out[typ] = name
	}
	return out, nil
}

// underscore inserts an underscore at each lower-to-upper boundary.
func underscore(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])) {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return b.String()
}
