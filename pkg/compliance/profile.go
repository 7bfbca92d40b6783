package compliance

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
)

// ProfileLexer tokenizes threshold profile files:
//
//	# tighter limits for the lab
//	profile "strict" {
//	    gen 5 { width 0.22 height 12 ber 1e-9 }
//	    outlier 25
//	    balance 15
//	}
var ProfileLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `#[^\n]*`},
	{Name: "Whitespace", Pattern: `[\s]+`},
	{Name: "String", Pattern: `"(?:[^"\\]|\\.)*"`},
	{Name: "Number", Pattern: `[-+]?[0-9]+(\.[0-9]+)?([eE][-+]?[0-9]+)?`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Punct", Pattern: `[{}]`},
})

// ProfileFile is the parsed form of a profile file.
type ProfileFile struct {
	Profiles []*ProfileDecl `@@*`
}

// ProfileDecl is one named profile.
type ProfileDecl struct {
	Pos     lexer.Position
	Name    string          `"profile" @String "{"`
	Entries []*ProfileEntry `@@* "}"`
}

type ProfileEntry struct {
	Gen     *GenBlock `  @@`
	Outlier *float64  `| "outlier" @Number`
	Balance *float64  `| "balance" @Number`
}

// GenBlock overrides the threshold row of one speed.
type GenBlock struct {
	Pos    lexer.Position
	Gen    int         `"gen" @Number "{"`
	Fields []*GenField `@@* "}"`
}

type GenField struct {
	Key   string  `@( "width" | "height" | "ber" )`
	Value float64 `@Number`
}

var profileParser = participle.MustBuild[ProfileFile](
	participle.Lexer(ProfileLexer),
	participle.Elide("Comment", "Whitespace"),
	participle.Unquote("String"),
)

// ParseProfiles parses every profile in r. Each profile starts from
// DefaultThresholds and applies its overrides; tolerances are percentages.
func ParseProfiles(r io.Reader) ([]Thresholds, error) {
	file, err := profileParser.Parse("", r)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	var out []Thresholds
	seen := make(map[string]bool)
	for _, decl := range file.Profiles {
		if seen[decl.Name] {
			return nil, fmt.Errorf("%s: duplicate profile %q", decl.Pos, decl.Name)
		}
		seen[decl.Name] = true
		th, err := decl.build()
		if err != nil {
			return nil, err
		}
		out = append(out, th)
	}
	return out, nil
}

func (d *ProfileDecl) build() (Thresholds, error) {
	th := DefaultThresholds()
	th.Name = d.Name

	for _, e := range d.Entries {
		switch {
		case e.Gen != nil:
			if err := e.Gen.apply(&th); err != nil {
				return th, err
			}
		case e.Outlier != nil:
			if *e.Outlier <= 0 || *e.Outlier >= 100 {
				return th, fmt.Errorf("%s: outlier %g%% out of range", d.Pos, *e.Outlier)
			}
			th.OutlierTolerance = *e.Outlier / 100
		case e.Balance != nil:
			if *e.Balance <= 0 || *e.Balance >= 100 {
				return th, fmt.Errorf("%s: balance %g%% out of range", d.Pos, *e.Balance)
			}
			th.BalanceTolerance = *e.Balance / 100
		}
	}
	return th, nil
}

func (g *GenBlock) apply(th *Thresholds) error {
	speed := device.Speed(g.Gen)
	if g.Gen < int(device.Gen1) || speed > device.MaxSpeed {
		return fmt.Errorf("%s: unknown gen %d", g.Pos, g.Gen)
	}
	row := th.PerSpeed[speed]
	for _, f := range g.Fields {
		switch f.Key {
		case "width":
			if f.Value <= 0 || f.Value > 1 {
				return fmt.Errorf("%s: gen %d width %g UI out of range", g.Pos, g.Gen, f.Value)
			}
			row.MinWidthUI = f.Value
		case "height":
			if f.Value < 0 {
				return fmt.Errorf("%s: gen %d height %g mV out of range", g.Pos, g.Gen, f.Value)
			}
			row.MinHeightMV = f.Value
		case "ber":
			if f.Value <= 0 || f.Value >= 1 {
				return fmt.Errorf("%s: gen %d ber %g out of range", g.Pos, g.Gen, f.Value)
			}
			row.MaxBER = f.Value
		}
	}
	th.PerSpeed[speed] = row
	return nil
}

// LoadProfile reads a profile file and returns the named profile. An empty
// name selects the only profile in the file.
func LoadProfile(path, name string) (Thresholds, error) {
	f, err := os.Open(path)
	if err != nil {
		return Thresholds{}, fmt.Errorf("failed to open profile: %w", err)
	}
	defer f.Close()

	profiles, err := ParseProfiles(f)
	if err != nil {
		return Thresholds{}, fmt.Errorf("%s: %w", path, err)
	}
	return selectProfile(profiles, name)
}

func selectProfile(profiles []Thresholds, name string) (Thresholds, error) {
	if name == "" {
		if len(profiles) != 1 {
			return Thresholds{}, fmt.Errorf("profile file defines %d profiles; pick one by name", len(profiles))
		}
		return profiles[0], nil
	}
	for _, p := range profiles {
		if p.Name == name {
			return p, nil
		}
	}
	return Thresholds{}, fmt.Errorf("profile %q not found", name)
}
