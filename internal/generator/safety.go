package generator

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// ErrInvalidRules indicates an unreadable or invalid rules file.
var ErrInvalidRules = errors.New("invalid safety rules")

// Rule is one denylisted construct. Every match of Pattern costs Penalty.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Penalty float64
}

// Denylist scores code by the dangerous constructs it contains.
type Denylist struct {
	rules []Rule
}

// DefaultRules are the built-in dangerous constructs.
func DefaultRules() []Rule {
	return []Rule{
		{"process_exec", regexp.MustCompile(`std::process::Command\b`), 0.3},
		{"command_new", regexp.MustCompile(`\bCommand::new\b`), 0.3},
		{"go_exec", regexp.MustCompile(`\bexec\.Command(Context)?\b|\bsyscall\.Exec\b`), 0.3},
		{"unsafe_block", regexp.MustCompile(`\bunsafe\s*\{`), 0.3},
		{"transmute", regexp.MustCompile(`\btransmute\b`), 0.3},
		{"raw_pointer", regexp.MustCompile(`\*(const|mut)\s+\w|\bunsafe\.Pointer\b|\bptr::(read|write)\b`), 0.2},
		{"fs_delete", regexp.MustCompile(`\bremove_dir_all\b|\bremove_file\b|\bos\.RemoveAll\b|\bos\.Remove\b`), 0.2},
	}
}

// NewDenylist builds a denylist from the default rules plus any rules loaded
// from rulesFile. Rules without a penalty use defaultPenalty.
func NewDenylist(rulesFile string, defaultPenalty float64) (*Denylist, error) {
	rules := DefaultRules()
	if rulesFile != "" {
		extra, err := loadRules(rulesFile, defaultPenalty)
		if err != nil {
			return nil, err
		}
		rules = append(rules, extra...)
	}
	return &Denylist{rules: rules}, nil
}

// NewDenylistFromRules builds a denylist from explicit rules.
func NewDenylistFromRules(rules ...Rule) *Denylist {
	return &Denylist{rules: rules}
}

// Rules returns the active rules.
func (d *Denylist) Rules() []Rule { return d.rules }

// Score starts at 1.0 and subtracts the rule penalty for every match, so
// adding code can only lower it. The result is clamped to [0,1].
func (d *Denylist) Score(code string) float64 {
	score := 1.0
	for _, r := range d.rules {
		n := len(r.Pattern.FindAllStringIndex(code, -1))
		score -= float64(n) * r.Penalty
	}
	return clamp(score)
}

// Matches returns the names of the rules matched by code.
func (d *Denylist) Matches(code string) []string {
	var names []string
	for _, r := range d.rules {
		if r.Pattern.MatchString(code) {
			names = append(names, r.Name)
		}
	}
	return names
}

func loadRules(path string, defaultPenalty float64) ([]Rule, error) {
	var file struct {
		Rule []struct {
			Name    string
			Pattern string
			Penalty float64
		}
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRules, path, err)
	}

	rules := make([]Rule, 0, len(file.Rule))
	for i, r := range file.Rule {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d (%s): %v", ErrInvalidRules, i, r.Name, err)
		}
		penalty := r.Penalty
		if penalty == 0 {
			penalty = defaultPenalty
		}
		if penalty < 0 || penalty > 1 {
			return nil, fmt.Errorf("%w: rule %s penalty %v outside (0,1]", ErrInvalidRules, r.Name, penalty)
		}
		rules = append(rules, Rule{Name: r.Name, Pattern: re, Penalty: penalty})
	}
	return rules, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
