package bus

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/busd/busd/internal/wire"
)

// parseMatchRule decodes the AddMatch/RemoveMatch rule-string grammar
// spec.md §6 specifies: comma-separated key='value' pairs.
func parseMatchRule(s string) (MatchRule, error) {
	var r MatchRule
	if strings.TrimSpace(s) == "" {
		return r, fmt.Errorf("empty match rule")
	}
	for _, part := range splitRuleTerms(s) {
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return r, fmt.Errorf("malformed term %q", part)
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), "'")
		switch key {
		case "type":
			k, err := parseMessageKind(val)
			if err != nil {
				return r, err
			}
			r.MessageType = k
			r.Fields |= FieldMessageType
		case "interface":
			r.Interface = val
			r.Fields |= FieldInterface
		case "member":
			r.Member = val
			r.Fields |= FieldMember
		case "path":
			r.Path = val
			r.Fields |= FieldPath
		case "sender":
			r.Sender = val
			r.Fields |= FieldSender
		case "destination":
			r.Destination = val
			r.Fields |= FieldDestination
		case "eavesdrop":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return r, fmt.Errorf("eavesdrop: %v", err)
			}
			r.Eavesdrop = b
		default:
			// Unknown keys are ignored per the "don't care" grammar rule,
			// matching how descriptor files treat unrecognized keys.
		}
	}
	return r, nil
}

func splitRuleTerms(s string) []string {
	var terms []string
	var cur strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '\'':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ',' && !inQuote:
			terms = append(terms, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		terms = append(terms, cur.String())
	}
	return terms
}

func parseMessageKind(s string) (wire.Kind, error) {
	switch s {
	case "method_call":
		return wire.KindMethodCall, nil
	case "method_return":
		return wire.KindMethodReturn, nil
	case "error":
		return wire.KindError, nil
	case "signal":
		return wire.KindSignal, nil
	default:
		return wire.KindInvalid, fmt.Errorf("unknown message type %q", s)
	}
}
