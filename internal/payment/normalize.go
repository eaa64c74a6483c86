package payment

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
)

const (
	MinReferenceLength = 8
	MaxReferenceLength = 36

	referencePrefix = "AP-"
)

// PhoneRules describes how local mobile numbers map to international form.
type PhoneRules struct {
	CountryCode     string
	TrunkPrefix     string
	MobileLeadDigit string
}

// UgandaPhoneRules are the defaults for the home market.
var UgandaPhoneRules = PhoneRules{
	CountryCode:     "256",
	TrunkPrefix:     "0",
	MobileLeadDigit: "7",
}

// Sentinel is the number stored when the payer gave no usable phone.
// It is never a real recipient and must not be treated as verified.
func (r PhoneRules) Sentinel() string {
	return "+" + r.CountryCode + "000000000"
}

// IsSentinel reports whether phone is the anonymous placeholder.
func (r PhoneRules) IsSentinel(phone string) bool {
	return phone == r.Sentinel()
}

// Normalize turns loosely formatted input into +<country><subscriber>.
// It never fails; input without any digits yields Sentinel.
func (r PhoneRules) Normalize(raw string) string {
	var b strings.Builder
	for _, c := range raw {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	digits := b.String()
	if digits == "" {
		return r.Sentinel()
	}

	// a leading "+" only matters when it already carries our country code,
	// which is the same outcome as bare country-code digits.
	switch {
	case strings.HasPrefix(digits, r.CountryCode):
		return "+" + digits
	case r.TrunkPrefix != "" && strings.HasPrefix(digits, r.TrunkPrefix):
		return "+" + r.CountryCode + strings.TrimPrefix(digits, r.TrunkPrefix)
	case r.MobileLeadDigit != "" && strings.HasPrefix(digits, r.MobileLeadDigit):
		return "+" + r.CountryCode + digits
	default:
		return "+" + r.CountryCode + digits
	}
}

// NormalizePhone applies UgandaPhoneRules.
func NormalizePhone(raw string) string {
	return UgandaPhoneRules.Normalize(raw)
}

// ReferenceGenerator resolves client references and mints new ones.
// Minted references embed a snowflake ID (millisecond clock, node and
// per-millisecond sequence), so two calls on one node never collide.
type ReferenceGenerator struct {
	node *snowflake.Node
}

func NewReferenceGenerator(nodeID int64) (*ReferenceGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create reference node: %w", err)
	}
	return &ReferenceGenerator{node: node}, nil
}

// Resolve keeps a client reference of acceptable length and otherwise
// synthesizes one.
func (g *ReferenceGenerator) Resolve(clientSupplied string) string {
	if ValidReference(clientSupplied) {
		return clientSupplied
	}
	return g.New()
}

func (g *ReferenceGenerator) New() string {
	ref := referencePrefix + g.node.Generate().String()
	if len(ref) > MaxReferenceLength {
		ref = ref[:MaxReferenceLength]
	}
	return ref
}

func ValidReference(ref string) bool {
	n := utf8.RuneCountInString(ref)
	return n >= MinReferenceLength && n <= MaxReferenceLength
}
