// Package condition compiles coverage rule conditions into CEL programs.
//
// Conditions are a closed set of clause kinds over fixed line item fields.
// They are rendered into CEL source by this package only, so no
// administrator-supplied expression text is ever evaluated.
package condition

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Compiler turns domain conditions into executable programs.
// It is safe for concurrent use.
type Compiler struct {
	env *cel.Env
}

// Program is a compiled condition.
type Program struct {
	Source  string
	program cel.Program
}

// NewCompiler creates a compiler with the line item variables declared.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("service_code", cel.StringType),
		cel.Variable("billed_amount", cel.DoubleType),
		cel.Variable("item_index", cel.DoubleType),
		cel.Variable("diagnosis_refs", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Compiler{env: env}, nil
}

// Compile validates and compiles a condition.
func (c *Compiler) Compile(cond domain.Condition) (*Program, error) {
	source, err := Render(cond)
	if err != nil {
		return nil, err
	}

	ast, issues := c.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile condition: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition must return bool, got %s", ast.OutputType())
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}

	return &Program{Source: source, program: program}, nil
}

// Match reports whether the line item satisfies the condition.
func (p *Program) Match(item domain.LineItem) (bool, error) {
	refs := item.DiagnosisRefs
	if refs == nil {
		refs = []string{}
	}

	out, _, err := p.program.Eval(map[string]any{
		"service_code":   item.ServiceCode,
		"billed_amount":  item.BilledAmount,
		"item_index":     float64(item.Index),
		"diagnosis_refs": refs,
	})
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}

	matched, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("condition returned %s, want bool", out.Type())
	}
	return bool(matched), nil
}

// Render converts a condition into CEL source.
func Render(cond domain.Condition) (string, error) {
	if len(cond) == 0 {
		return "true", nil
	}

	parts := make([]string, 0, len(cond))
	for i, clause := range cond {
		expr, err := renderClause(clause)
		if err != nil {
			return "", fmt.Errorf("clause %d: %w", i, err)
		}
		parts = append(parts, "("+expr+")")
	}
	return strings.Join(parts, " && "), nil
}

func renderClause(cl domain.Clause) (string, error) {
	if !cl.Field.Valid() {
		return "", fmt.Errorf("unknown field %q", cl.Field)
	}

	switch cl.Kind {
	case domain.ClauseEquals:
		lit, err := literal(cl.Field, cl.Value)
		if err != nil {
			return "", err
		}
		if cl.Field == domain.FieldDiagnosisRef {
			return fmt.Sprintf("diagnosis_refs.exists(d, d == %s)", lit), nil
		}
		return fmt.Sprintf("%s == %s", cl.Field, lit), nil

	case domain.ClauseIn:
		if len(cl.Values) == 0 {
			return "", fmt.Errorf("in clause on %s needs at least one value", cl.Field)
		}
		lits := make([]string, 0, len(cl.Values))
		for _, v := range cl.Values {
			lit, err := literal(cl.Field, v)
			if err != nil {
				return "", err
			}
			lits = append(lits, lit)
		}
		set := "[" + strings.Join(lits, ", ") + "]"
		if cl.Field == domain.FieldDiagnosisRef {
			return fmt.Sprintf("diagnosis_refs.exists(d, d in %s)", set), nil
		}
		return fmt.Sprintf("%s in %s", cl.Field, set), nil

	case domain.ClauseRange:
		if !cl.Field.Numeric() {
			return "", fmt.Errorf("range clause needs a numeric field, got %s", cl.Field)
		}
		if cl.Min == nil && cl.Max == nil {
			return "", fmt.Errorf("range clause on %s needs min or max", cl.Field)
		}
		if cl.Min != nil && cl.Max != nil && *cl.Min > *cl.Max {
			return "", fmt.Errorf("range clause on %s has min %v above max %v", cl.Field, *cl.Min, *cl.Max)
		}

		var bounds []string
		if cl.Min != nil {
			lit, err := doubleLiteral(*cl.Min)
			if err != nil {
				return "", err
			}
			bounds = append(bounds, fmt.Sprintf("%s >= %s", cl.Field, lit))
		}
		if cl.Max != nil {
			lit, err := doubleLiteral(*cl.Max)
			if err != nil {
				return "", err
			}
			bounds = append(bounds, fmt.Sprintf("%s <= %s", cl.Field, lit))
		}
		return strings.Join(bounds, " && "), nil

	default:
		return "", fmt.Errorf("unknown clause kind %q", cl.Kind)
	}
}

func literal(field domain.Field, value string) (string, error) {
	if field.Numeric() {
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return "", fmt.Errorf("value %q for %s is not a number", value, field)
		}
		return doubleLiteral(v)
	}
	if value == "" {
		return "", fmt.Errorf("empty value for %s", field)
	}
	return strconv.Quote(value), nil
}

// doubleLiteral always emits a decimal point so CEL types the literal as double.
func doubleLiteral(v float64) (string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", fmt.Errorf("value %v is not finite", v)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s, nil
}
