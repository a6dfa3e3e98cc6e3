package testutil

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// applyUpdateExpression applies one repository update expression to a
// copy of item and returns the result. Supported grammar:
//
//	[ADD name :tok, ...] [SET assign, ...]
//	assign: name = :tok | name = name - :tok | name = if_not_exists(name, :tok)
//
// Names may be #references resolved through the expression attribute
// names map. Everything else is an error.
func applyUpdateExpression(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	out := copyItem(item)
	if out == nil {
		out = map[string]types.AttributeValue{}
	}

	addPart, setPart, err := splitUpdateSections(expr)
	if err != nil {
		return nil, err
	}

	for _, clause := range splitTopLevel(addPart) {
		if err := applyAdd(out, clause, names, values); err != nil {
			return nil, err
		}
	}
	for _, clause := range splitTopLevel(setPart) {
		if err := applySet(out, clause, names, values); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func splitUpdateSections(expr string) (add, set string, err error) {
	s := strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(s, "ADD "):
		rest := s[len("ADD "):]
		if i := strings.Index(rest, " SET "); i >= 0 {
			return rest[:i], rest[i+len(" SET "):], nil
		}
		return rest, "", nil
	case strings.HasPrefix(s, "SET "):
		return "", s[len("SET "):], nil
	default:
		return "", "", fmt.Errorf("testutil: unsupported update expression %q", expr)
	}
}

// splitTopLevel splits a clause list on commas outside parentheses, so
// if_not_exists(attr, :tok) survives as one clause.
func splitTopLevel(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}

	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}

	return append(parts, strings.TrimSpace(s[start:]))
}

// applyAdd folds one "name :tok" ADD clause into out. A missing
// attribute starts from zero, as on the service.
func applyAdd(out map[string]types.AttributeValue, clause string, names map[string]string, values map[string]types.AttributeValue) error {
	fields := strings.Fields(clause)
	if len(fields) != 2 {
		return fmt.Errorf("testutil: malformed ADD clause %q", clause)
	}

	attr, err := resolveName(fields[0], names)
	if err != nil {
		return err
	}
	delta, err := numberToken(fields[1], values)
	if err != nil {
		return err
	}

	current := int64(0)
	if av, ok := out[attr]; ok {
		current, err = attrNumber(av, attr)
		if err != nil {
			return err
		}
	}

	out[attr] = &types.AttributeValueMemberN{Value: strconv.FormatInt(current+delta, 10)}
	return nil
}

func applySet(out map[string]types.AttributeValue, clause string, names map[string]string, values map[string]types.AttributeValue) error {
	lhs, rhs, found := strings.Cut(clause, " = ")
	if !found {
		return fmt.Errorf("testutil: malformed SET clause %q", clause)
	}
	attr, err := resolveName(strings.TrimSpace(lhs), names)
	if err != nil {
		return err
	}
	rhs = strings.TrimSpace(rhs)

	switch {
	case strings.HasPrefix(rhs, ":"):
		v, err := valueToken(rhs, values)
		if err != nil {
			return err
		}
		out[attr] = copyAttributeValue(v)
		return nil

	case strings.HasPrefix(rhs, "if_not_exists("):
		if !strings.HasSuffix(rhs, ")") {
			return fmt.Errorf("testutil: malformed if_not_exists in %q", clause)
		}
		inner := rhs[len("if_not_exists(") : len(rhs)-1]
		nameArg, tokArg, found := strings.Cut(inner, ",")
		if !found {
			return fmt.Errorf("testutil: malformed if_not_exists in %q", clause)
		}
		src, err := resolveName(strings.TrimSpace(nameArg), names)
		if err != nil {
			return err
		}
		if existing, ok := out[src]; ok {
			out[attr] = copyAttributeValue(existing)
			return nil
		}
		v, err := valueToken(strings.TrimSpace(tokArg), values)
		if err != nil {
			return err
		}
		out[attr] = copyAttributeValue(v)
		return nil

	case strings.Contains(rhs, " - "):
		operandName, tok, _ := strings.Cut(rhs, " - ")
		operand, err := resolveName(strings.TrimSpace(operandName), names)
		if err != nil {
			return err
		}
		av, ok := out[operand]
		if !ok {
			return fmt.Errorf("testutil: SET subtracts missing attribute %s", operand)
		}
		current, err := attrNumber(av, operand)
		if err != nil {
			return err
		}
		delta, err := numberToken(strings.TrimSpace(tok), values)
		if err != nil {
			return err
		}
		out[attr] = &types.AttributeValueMemberN{Value: strconv.FormatInt(current-delta, 10)}
		return nil

	default:
		return fmt.Errorf("testutil: unsupported SET clause %q", clause)
	}
}

// evalCondition evaluates one repository condition expression against an
// item, nil meaning the item does not exist. Supported grammar:
//
//	clause [AND clause ...] | clause [OR clause ...]
//	clause: attribute_not_exists(name) | name >= :tok | name = :tok
func evalCondition(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	expr = strings.TrimSpace(expr)

	if parts := strings.Split(expr, " AND "); len(parts) > 1 {
		for _, part := range parts {
			ok, err := evalClause(part, item, names, values)
			if err != nil || !ok {
				return ok, err
			}
		}
		return true, nil
	}

	if parts := strings.Split(expr, " OR "); len(parts) > 1 {
		for _, part := range parts {
			ok, err := evalClause(part, item, names, values)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	return evalClause(expr, item, names, values)
}

func evalClause(clause string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	clause = strings.TrimSpace(clause)

	if strings.HasPrefix(clause, "attribute_not_exists(") && strings.HasSuffix(clause, ")") {
		attr, err := resolveName(strings.TrimSpace(clause[len("attribute_not_exists("):len(clause)-1]), names)
		if err != nil {
			return false, err
		}
		_, exists := item[attr]
		return !exists, nil
	}

	if lhs, rhs, found := strings.Cut(clause, " >= "); found {
		attr, err := resolveName(strings.TrimSpace(lhs), names)
		if err != nil {
			return false, err
		}
		av, exists := item[attr]
		if !exists {
			return false, nil
		}
		current, err := attrNumber(av, attr)
		if err != nil {
			return false, err
		}
		bound, err := numberToken(strings.TrimSpace(rhs), values)
		if err != nil {
			return false, err
		}
		return current >= bound, nil
	}

	if lhs, rhs, found := strings.Cut(clause, " = "); found {
		attr, err := resolveName(strings.TrimSpace(lhs), names)
		if err != nil {
			return false, err
		}
		av, exists := item[attr]
		if !exists {
			return false, nil
		}
		want, err := valueToken(strings.TrimSpace(rhs), values)
		if err != nil {
			return false, err
		}
		return attributeValuesEqual(av, want)
	}

	return false, fmt.Errorf("testutil: unsupported condition clause %q", clause)
}

func attributeValuesEqual(a, b types.AttributeValue) (bool, error) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value, nil
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return false, nil
		}
		an, err := strconv.ParseInt(av.Value, 10, 64)
		if err != nil {
			return false, fmt.Errorf("testutil: non-integer number %q", av.Value)
		}
		bn, err := strconv.ParseInt(bv.Value, 10, 64)
		if err != nil {
			return false, fmt.Errorf("testutil: non-integer number %q", bv.Value)
		}
		return an == bn, nil
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value, nil
	default:
		return false, fmt.Errorf("testutil: cannot compare attribute value of type %T", a)
	}
}

func resolveName(name string, names map[string]string) (string, error) {
	if !strings.HasPrefix(name, "#") {
		return name, nil
	}

	resolved, ok := names[name]
	if !ok {
		return "", fmt.Errorf("testutil: expression name %s has no mapping", name)
	}

	return resolved, nil
}

func valueToken(token string, values map[string]types.AttributeValue) (types.AttributeValue, error) {
	v, ok := values[token]
	if !ok {
		return nil, fmt.Errorf("testutil: expression value %s has no mapping", token)
	}

	return v, nil
}

func numberToken(token string, values map[string]types.AttributeValue) (int64, error) {
	v, err := valueToken(token, values)
	if err != nil {
		return 0, err
	}

	return attrNumber(v, token)
}

func attrNumber(av types.AttributeValue, what string) (int64, error) {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("testutil: %s is not a number attribute", what)
	}

	value, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("testutil: %s holds non-integer number %q", what, n.Value)
	}

	return value, nil
}

// keyCondition is the parsed form of the only key condition shapes the
// repository emits:
//
//	name = :tok
//	name = :tok AND begins_with(name, :tok)
//
// skAttr and skPrefix stay empty when the begins_with clause is absent.
type keyCondition struct {
	pkAttr   string
	pkValue  string
	skAttr   string
	skPrefix string
}

// parseKeyCondition parses one repository key condition, resolving value
// tokens through the expression attribute values map. Everything outside
// the emitted grammar is an error.
func parseKeyCondition(expr string, values map[string]types.AttributeValue) (keyCondition, error) {
	eq, rest, hasSort := strings.Cut(strings.TrimSpace(expr), " AND ")

	lhs, tok, found := strings.Cut(eq, " = ")
	if !found {
		return keyCondition{}, fmt.Errorf("testutil: unsupported key condition %q", expr)
	}
	pkValue, err := stringToken(strings.TrimSpace(tok), values)
	if err != nil {
		return keyCondition{}, err
	}

	cond := keyCondition{pkAttr: strings.TrimSpace(lhs), pkValue: pkValue}
	if !hasSort {
		return cond, nil
	}

	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, "begins_with(") || !strings.HasSuffix(rest, ")") {
		return keyCondition{}, fmt.Errorf("testutil: unsupported key condition %q", expr)
	}
	nameArg, tokArg, found := strings.Cut(rest[len("begins_with("):len(rest)-1], ",")
	if !found {
		return keyCondition{}, fmt.Errorf("testutil: unsupported key condition %q", expr)
	}
	cond.skAttr = strings.TrimSpace(nameArg)
	cond.skPrefix, err = stringToken(strings.TrimSpace(tokArg), values)
	if err != nil {
		return keyCondition{}, err
	}

	return cond, nil
}

// stringToken resolves one :token to its string attribute value.
func stringToken(token string, values map[string]types.AttributeValue) (string, error) {
	v, err := valueToken(token, values)
	if err != nil {
		return "", err
	}

	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("testutil: key condition value %s is not a string", token)
	}

	return s.Value, nil
}
