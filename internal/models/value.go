package models

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Value kinds. The page mixes percentages with categorical labels
// ("Low", "Avg", "Show All"), so scraped cells are kept as a tagged union
// instead of assuming numbers. Raw always preserves the cell text verbatim.
const (
	ValueNumeric = "numeric"
	ValueLabel   = "label"
	ValueRaw     = "raw"
)

// Value is one scraped cell.
type Value struct {
	Kind    string
	Raw     string
	Percent float64 // meaningful only when Kind == ValueNumeric
}

var knownLabels = map[string]struct{}{
	"n/a":      {},
	"na":       {},
	"low":      {},
	"avg":      {},
	"high":     {},
	"show all": {},
	"-":        {},
}

// ParseValue classifies a scraped cell without altering it.
func ParseValue(raw string) Value {
	trimmed := strings.TrimSpace(raw)

	if _, ok := knownLabels[strings.ToLower(trimmed)]; ok {
		return Value{Kind: ValueLabel, Raw: raw}
	}

	numeric := strings.TrimSuffix(trimmed, "%")
	numeric = strings.ReplaceAll(numeric, ",", "")
	if pct, err := strconv.ParseFloat(numeric, 64); err == nil && numeric != "" {
		return Value{Kind: ValueNumeric, Raw: raw, Percent: pct}
	}

	return Value{Kind: ValueRaw, Raw: raw}
}

type valueJSON struct {
	Kind    string   `json:"kind"`
	Raw     string   `json:"raw"`
	Percent *float64 `json:"percent,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	out := valueJSON{Kind: v.Kind, Raw: v.Raw}
	if v.Kind == ValueNumeric {
		pct := v.Percent
		out.Percent = &pct
	}
	return json.Marshal(out)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var in valueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	v.Kind = in.Kind
	v.Raw = in.Raw
	if in.Percent != nil {
		v.Percent = *in.Percent
	}
	return nil
}
