// Package eventlog owns the pure append-side checks for the event log.
// Storage calls ValidateForAppend before stamping and inserting a row;
// nothing in here touches the database.
package eventlog

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/wvsnp/backend/internal/domain"
)

var eventTypePattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

// maxSafeInteger is the largest integer a JSON number can carry without
// loss. Anything bigger must be encoded as a decimal string, which is how
// all money fields travel.
const maxSafeInteger = 1<<53 - 1

// ValidateForAppend enforces the envelope rules on an event before it is
// written. ingested_at is not checked: storage overwrites whatever the
// caller supplied.
func ValidateForAppend(ev *domain.Event) error {
	if err := domain.ValidateEventID(ev.EventID); err != nil {
		return err
	}
	if !eventTypePattern.MatchString(ev.EventType) {
		return domain.Errf(domain.ErrEventTypeInvalid, "event_type %q does not match [A-Z0-9_]+", ev.EventType)
	}
	if ev.AggregateKind == "" || ev.AggregateID == "" {
		return domain.Errf(domain.ErrEventEnvelopeInvalid, "event %s has no aggregate reference", ev.EventID)
	}
	if ev.OccurredAt.IsZero() {
		return domain.Errf(domain.ErrEventEnvelopeInvalid, "event %s has no occurred_at", ev.EventID)
	}
	if ev.CycleID == "" {
		return domain.Errf(domain.ErrEventEnvelopeInvalid, "event %s has no cycle_id", ev.EventID)
	}
	if ev.CorrelationID == "" {
		return domain.Errf(domain.ErrEventEnvelopeInvalid, "event %s has no correlation_id", ev.EventID)
	}
	if ev.ActorID == "" {
		return domain.Errf(domain.ErrEventEnvelopeInvalid, "event %s has no actor_id", ev.EventID)
	}
	switch ev.ActorKind {
	case domain.ActorApplicant, domain.ActorAdmin, domain.ActorSystem:
	default:
		return domain.Errf(domain.ErrEventEnvelopeInvalid, "event %s actor_kind %q unknown", ev.EventID, ev.ActorKind)
	}
	return CheckNoBigInts(ev.EventData)
}

// CheckNoBigInts walks a decoded payload and rejects any numeric value
// that cannot round-trip through a JSON number. Money travels as decimal
// digit strings; a raw integer past 2^53 in the payload means someone put
// an amount where it does not belong.
func CheckNoBigInts(data map[string]interface{}) error {
	for key, v := range data {
		if err := checkNumeric(key, v); err != nil {
			return err
		}
	}
	return nil
}

func checkNumeric(path string, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		for key, child := range val {
			if err := checkNumeric(path+"."+key, child); err != nil {
				return err
			}
		}
	case []interface{}:
		for i, child := range val {
			if err := checkNumeric(fmt.Sprintf("%s[%d]", path, i), child); err != nil {
				return err
			}
		}
	case *big.Int, big.Int, *big.Float, big.Float:
		return domain.Errf(domain.ErrEventDataBigintForbidden,
			"field %s carries an arbitrary-precision value, encode it as a decimal string", path)
	case json.Number:
		return checkNumberString(path, val.String())
	case float64:
		if math.Abs(val) > maxSafeInteger {
			return domain.Errf(domain.ErrEventDataBigintForbidden,
				"field %s value %v exceeds the safe integer range", path, val)
		}
	}
	return nil
}

func checkNumberString(path, s string) error {
	if strings.ContainsAny(s, ".eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.Abs(f) > maxSafeInteger {
			return domain.Errf(domain.ErrEventDataBigintForbidden,
				"field %s value %s exceeds the safe integer range", path, s)
		}
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n > maxSafeInteger || n < -maxSafeInteger {
		return domain.Errf(domain.ErrEventDataBigintForbidden,
			"field %s value %s exceeds the safe integer range", path, s)
	}
	return nil
}
