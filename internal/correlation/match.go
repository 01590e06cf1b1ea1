package correlation

import (
	"fmt"
	"math"
	"slices"
	"time"

	"boundary-soar/internal/signal"
)

// matchPair evaluates a per-pair condition against a candidate and the new
// signal. Attribute conditions (threat type, hour, confidence, risk) must
// hold for both members of the pair.
func (c *Condition) matchPair(cand, sig signal.ThreatSignal) (bool, error) {
	switch c.Field {
	case FieldIPAddress:
		return matchIdentity(c.Operator, cand.IPAddress, sig.IPAddress), nil
	case FieldUserID:
		return matchIdentity(c.Operator, cand.UserID, sig.UserID), nil
	case FieldSessionID:
		return matchIdentity(c.Operator, cand.SessionID, sig.SessionID), nil
	case FieldTimeWindow:
		limit, ok := toFloat64(c.Value)
		if !ok {
			return false, fmt.Errorf("time_window: non-numeric value %v", c.Value)
		}
		delta := math.Abs(cand.Timestamp.Sub(sig.Timestamp).Minutes())
		return delta <= limit, nil
	}

	a, err := c.matchSingle(cand)
	if err != nil || !a {
		return false, err
	}
	return c.matchSingle(sig)
}

// matchSingle evaluates an attribute condition on one signal.
func (c *Condition) matchSingle(s signal.ThreatSignal) (bool, error) {
	switch c.Field {
	case FieldThreatType:
		return c.matchThreatType(s.ThreatType), nil
	case FieldHourOfDay:
		start, end, err := c.hourRange()
		if err != nil {
			return false, err
		}
		return hourWithin(s.Timestamp.UTC().Hour(), start, end), nil
	case FieldConfidence, FieldRiskScore:
		expected, ok := toFloat64(c.Value)
		if !ok {
			return false, fmt.Errorf("%s: non-numeric value %v", c.Field, c.Value)
		}
		actual := s.Confidence
		if c.Field == FieldRiskScore {
			actual = s.RiskScore
		}
		return compare(c.Operator, actual, expected), nil
	}
	return false, fmt.Errorf("field %s is not a pair condition", c.Field)
}

func (c *Condition) matchThreatType(t signal.ThreatType) bool {
	switch c.Operator {
	case "eq":
		return string(t) == fmt.Sprint(c.Value)
	case "ne":
		return string(t) != fmt.Sprint(c.Value)
	case "not_in":
		return !slices.Contains(c.Values, string(t))
	default:
		return slices.Contains(c.Values, string(t))
	}
}

// matchAggregate evaluates count or rate. count includes the new signal;
// rate is signals per minute of the rule window.
func (c *Condition) matchAggregate(count int, window time.Duration) (bool, error) {
	expected, ok := toFloat64(c.Value)
	if !ok {
		return false, fmt.Errorf("%s: non-numeric value %v", c.Field, c.Value)
	}
	actual := float64(count)
	if c.Field == FieldRate {
		minutes := window.Minutes()
		if minutes <= 0 {
			return false, nil
		}
		actual = float64(count) / minutes
	}
	return compare(c.Operator, actual, expected), nil
}

func matchIdentity(op, a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	switch op {
	case "different", "ne":
		return a != b
	default:
		return a == b
	}
}

// hourWithin reports whether h lies in [start, end], wrapping past midnight
// when start > end.
func hourWithin(h, start, end int) bool {
	if start <= end {
		return h >= start && h <= end
	}
	return h >= start || h <= end
}

// candidates returns history signals within the rule window of sig,
// excluding sig itself.
func candidates(sig signal.ThreatSignal, history []signal.ThreatSignal, window time.Duration) []signal.ThreatSignal {
	var out []signal.ThreatSignal
	for _, h := range history {
		if h.ID == sig.ID {
			continue
		}
		d := h.Timestamp.Sub(sig.Timestamp)
		if d < 0 {
			d = -d
		}
		if d <= window {
			out = append(out, h)
		}
	}
	return out
}

// match runs the rule against sig and its history. It returns the member
// signals (sig included, sorted by time) and the confidence, or nil when
// the rule does not fire.
func (r *Rule) match(sig signal.ThreatSignal, history []signal.ThreatSignal) ([]signal.ThreatSignal, float64, error) {
	window := r.Threshold.Window()
	windowed := candidates(sig, history, window)
	count := len(windowed) + 1

	// Aggregates see the full windowed set; high-weight pair conditions
	// filter candidates one by one.
	var pairFilters []*Condition
	for i := range r.Conditions {
		c := &r.Conditions[i]
		if !c.IsHighWeight() {
			continue
		}
		if c.IsAggregate() {
			ok, err := c.matchAggregate(count, window)
			if err != nil {
				return nil, 0, err
			}
			if !ok {
				return nil, 0, nil
			}
			continue
		}
		pairFilters = append(pairFilters, c)
	}

	kept := windowed[:0:0]
	for _, cand := range windowed {
		ok := true
		for _, c := range pairFilters {
			m, err := c.matchPair(cand, sig)
			if err != nil {
				return nil, 0, err
			}
			if !m {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, cand)
		}
	}

	members := tighten(sig, kept, window)
	if len(members)-1 < r.Threshold.MinSignals-1 {
		return nil, 0, nil
	}

	conf, err := r.confidence(sig, count, window)
	if err != nil {
		return nil, 0, err
	}
	return members, conf, nil
}

// confidence scores only the new signal: pair conditions are evaluated on
// (sig, sig) and aggregates on the windowed count.
func (r *Rule) confidence(sig signal.ThreatSignal, count int, window time.Duration) (float64, error) {
	var total, satisfied float64
	for i := range r.Conditions {
		c := &r.Conditions[i]
		total += c.Weight

		var ok bool
		var err error
		if c.IsAggregate() {
			ok, err = c.matchAggregate(count, window)
		} else {
			ok, err = c.matchPair(sig, sig)
		}
		if err != nil {
			return 0, err
		}
		if ok {
			satisfied += c.Weight
		}
	}
	if total == 0 {
		return 1, nil
	}
	return satisfied / total, nil
}

// tighten returns the largest time-contiguous subset of candidates plus sig
// whose total span fits in window. The result is sorted by timestamp.
func tighten(sig signal.ThreatSignal, cands []signal.ThreatSignal, window time.Duration) []signal.ThreatSignal {
	all := make([]signal.ThreatSignal, 0, len(cands)+1)
	all = append(all, cands...)
	all = append(all, sig)
	slices.SortStableFunc(all, func(a, b signal.ThreatSignal) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	anchor := slices.IndexFunc(all, func(s signal.ThreatSignal) bool { return s.ID == sig.ID })
	bestLo, bestHi := anchor, anchor
	lo := 0
	for hi := anchor; hi < len(all); hi++ {
		for all[hi].Timestamp.Sub(all[lo].Timestamp) > window {
			lo++
		}
		if lo > anchor {
			break
		}
		if hi-lo > bestHi-bestLo {
			bestLo, bestHi = lo, hi
		}
	}
	return all[bestLo : bestHi+1]
}
