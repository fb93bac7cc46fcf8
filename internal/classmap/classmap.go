// Package classmap holds the per-feature-type table that assigns class
// codes to harmonized layers, plus the declarative attribute alteration
// rules applied before harmonization.
package classmap

import (
	"fmt"
	"sort"
	"strings"
)

// Rule describes how the categorical class attribute is derived for one
// feature type: either a constant code, or a lookup of a source
// attribute through Map (unmapped values fall back to the pipeline's
// fill value).
type Rule struct {
	// Value is the constant class code, used when From is empty.
	Value int `toml:"value"`
	// From names the source attribute driving the lookup.
	From string `toml:"from,omitempty"`
	// Map translates source attribute values to class codes.
	Map map[string]int `toml:"map,omitempty"`
	// Alter is an optional attribute rewrite executed against the
	// dataset before harmonization.
	Alter *AlterRule `toml:"alter,omitempty"`
}

// Constant reports whether the rule assigns a single code to every row.
func (r Rule) Constant() bool { return r.From == "" }

// AlterRule is a declarative attribute rewrite: Set receives a literal
// from Cases keyed by the current value of From, otherwise the value of
// From itself (ElseCopy) or stays untouched.
type AlterRule struct {
	Set      string            `toml:"set"`
	From     string            `toml:"from"`
	Cases    map[string]string `toml:"cases"`
	ElseCopy bool              `toml:"else_copy"`
}

// SQL compiles the rule to a single SQLite UPDATE statement for the
// given layer table. Case keys are emitted in sorted order so the
// statement text is deterministic.
func (a AlterRule) SQL(layer string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE %s SET %s = CASE", quoteIdent(layer), quoteIdent(a.Set))
	keys := make([]string, 0, len(a.Cases))
	for k := range a.Cases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " WHEN %s = %s THEN %s", quoteIdent(a.From), quoteLit(k), a.Cases[k])
	}
	if a.ElseCopy {
		fmt.Fprintf(&b, " ELSE %s", quoteIdent(a.From))
	} else {
		fmt.Fprintf(&b, " ELSE %s", quoteIdent(a.Set))
	}
	b.WriteString(" END")
	return b.String()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLit(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Defaults is the built-in BGT layer table. Codes follow the national
// land-cover convention used for the training masks: water 1x,
// vegetated 2x, bare 3x, roads 5x/6x, structures 8x.
func Defaults() map[string]Rule {
	return map[string]Rule{
		"waterdeel":             {Value: 11},
		"begroeidterreindeel":   {Value: 21},
		"onbegroeidterreindeel": {Value: 31},
		"pand":                  {Value: 81},
		"gebouwinstallatie":     {Value: 82},
		"wegdeel": {
			From: "bgt-functie",
			Map: map[string]int{
				"OV-baan":               51,
				"overweg":               52,
				"rijbaan autoweg":       56,
				"rijbaan autosnelweg":   56,
				"rijbaan regionale weg": 57,
				"rijbaan lokale weg":    58,
				"woonerf":               58,
				"fietspad":              56,
				"voetpad":               60,
				"voetpad op trap":       61,
				"parkeervlak":           63,
				"voetgangersgebied":     64,
				"inrit":                 65,
				"spoorbaan":             69,
				"transitie":             82,
			},
			// road parts tagged "transitie" sit between height levels;
			// pin them to -1 so the height sort keeps them underneath
			Alter: &AlterRule{
				Set:      "relatieveHoogteligging",
				From:     "bgt-functie",
				Cases:    map[string]string{"transitie": "-1"},
				ElseCopy: true,
			},
		},
		"ondersteunendwegdeel":   {Value: 67},
		"kunstwerkdeel":          {Value: 83},
		"ondersteunendwaterdeel": {Value: 12},
		"overbruggingsdeel":      {Value: 84},
	}
}

// LayerNames returns the feature types of the table in sorted order.
func LayerNames(m map[string]Rule) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
