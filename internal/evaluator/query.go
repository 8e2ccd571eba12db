package evaluator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/attestra/ccm/internal/models"
)

// Query is a compiled data-context filter expression:
//
//	<source> [WHERE <clause> {AND|OR <clause>}]
//
// A clause is either a comparison (`field op literal` with op one of
// = != < <= > >=) or a membership test (`field [NOT] IN source.field`).
// AND binds tighter than OR; parentheses are not part of the grammar.
// Fields are dotted paths into the record; missing fields read as null.
type Query struct {
	raw    string
	Source string
	where  expr
}

func CompileQuery(raw string) (*Query, error) {
	toks, err := lex(raw)
	if err != nil {
		return nil, &models.QueryExecutionError{Expr: raw, Reason: err.Error()}
	}

	p := &parser{toks: toks}
	q := &Query{raw: raw}

	src, ok := p.acceptIdent()
	if !ok {
		return nil, &models.QueryExecutionError{Expr: raw, Reason: "expected source name"}
	}
	q.Source = src

	if p.acceptKeyword("WHERE") {
		where, err := p.parseDisjunction()
		if err != nil {
			return nil, &models.QueryExecutionError{Expr: raw, Reason: err.Error()}
		}
		q.where = where
	}

	if !p.atEOF() {
		return nil, &models.QueryExecutionError{Expr: raw, Reason: fmt.Sprintf("unexpected token %q", p.peek().text)}
	}

	return q, nil
}

// Run filters the query's source in the supplied context. Record order is
// preserved, so identical contexts yield identical results.
func (q *Query) Run(data models.DataContext) ([]models.Record, error) {
	records, ok := data[q.Source]
	if !ok {
		return nil, &models.QueryExecutionError{Expr: q.raw, Reason: fmt.Sprintf("source %q not in context", q.Source)}
	}

	if q.where == nil {
		out := make([]models.Record, len(records))
		copy(out, records)
		return out, nil
	}

	env := &queryEnv{data: data, raw: q.raw}

	var matched []models.Record
	for _, r := range records {
		ok, err := q.where.eval(r, env)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

type queryEnv struct {
	data    models.DataContext
	raw     string
	members map[string]map[string]struct{}
}

// memberSet collects the distinct stringified values of source.field,
// built once per Run per membership clause.
func (e *queryEnv) memberSet(source, field string) (map[string]struct{}, error) {
	key := source + "." + field
	if set, ok := e.members[key]; ok {
		return set, nil
	}

	records, ok := e.data[source]
	if !ok {
		return nil, &models.QueryExecutionError{Expr: e.raw, Reason: fmt.Sprintf("source %q not in context", source)}
	}

	set := make(map[string]struct{}, len(records))
	for _, r := range records {
		if v, found := lookupField(r, field); found && v != nil {
			set[stringify(v)] = struct{}{}
		}
	}

	if e.members == nil {
		e.members = make(map[string]map[string]struct{})
	}
	e.members[key] = set
	return set, nil
}

type expr interface {
	eval(r models.Record, env *queryEnv) (bool, error)
}

type orExpr struct {
	terms []expr
}

func (o *orExpr) eval(r models.Record, env *queryEnv) (bool, error) {
	for _, t := range o.terms {
		ok, err := t.eval(r, env)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

type andExpr struct {
	clauses []expr
}

func (a *andExpr) eval(r models.Record, env *queryEnv) (bool, error) {
	for _, c := range a.clauses {
		ok, err := c.eval(r, env)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

type cmpExpr struct {
	field string
	op    string
	lit   interface{}
}

func (c *cmpExpr) eval(r models.Record, env *queryEnv) (bool, error) {
	v, _ := lookupField(r, c.field)

	switch c.op {
	case "=":
		return looseEqual(v, c.lit), nil
	case "!=":
		return !looseEqual(v, c.lit), nil
	}

	fv, ok1 := toFloat(v)
	lv, ok2 := toFloat(c.lit)
	if !ok1 || !ok2 {
		return false, &models.QueryExecutionError{
			Expr:   env.raw,
			Reason: fmt.Sprintf("cannot order %s: %v %s %v is not a numeric comparison", c.field, v, c.op, c.lit),
		}
	}

	switch c.op {
	case "<":
		return fv < lv, nil
	case "<=":
		return fv <= lv, nil
	case ">":
		return fv > lv, nil
	case ">=":
		return fv >= lv, nil
	}
	return false, &models.QueryExecutionError{Expr: env.raw, Reason: fmt.Sprintf("unsupported operator %q", c.op)}
}

type memberExpr struct {
	field  string
	negate bool
	source string
	key    string
}

func (m *memberExpr) eval(r models.Record, env *queryEnv) (bool, error) {
	set, err := env.memberSet(m.source, m.key)
	if err != nil {
		return false, err
	}

	v, found := lookupField(r, m.field)
	if !found || v == nil {
		// A record with no value to test is never a member.
		return m.negate, nil
	}

	_, in := set[stringify(v)]
	if m.negate {
		return !in, nil
	}
	return in, nil
}

func lookupField(r models.Record, path string) (interface{}, bool) {
	segs := strings.Split(path, ".")

	var cur interface{} = map[string]interface{}(r)
	for _, seg := range segs {
		switch m := cur.(type) {
		case map[string]interface{}:
			v, ok := m[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case models.Record:
			v, ok := m[seg]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

func looseEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

// --- lexer / parser ---

type tokKind int

const (
	tokIdent tokKind = iota
	tokString
	tokNumber
	tokOp
	tokEOF
)

type token struct {
	kind tokKind
	text string
}

func lex(raw string) ([]token, error) {
	var toks []token
	i := 0
	n := len(raw)

	for i < n {
		ch := raw[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++

		case ch == '\'' || ch == '"':
			quote := ch
			j := i + 1
			for j < n && raw[j] != quote {
				j++
			}
			if j >= n {
				return nil, fmt.Errorf("unterminated string literal")
			}
			toks = append(toks, token{tokString, raw[i+1 : j]})
			i = j + 1

		case ch == '!' || ch == '<' || ch == '>' || ch == '=':
			op := string(ch)
			if i+1 < n && raw[i+1] == '=' {
				op += "="
				i++
			}
			if op == "!" {
				return nil, fmt.Errorf("unexpected character %q", ch)
			}
			toks = append(toks, token{tokOp, op})
			i++

		case ch >= '0' && ch <= '9' || (ch == '-' && i+1 < n && raw[i+1] >= '0' && raw[i+1] <= '9'):
			j := i + 1
			for j < n && (raw[j] >= '0' && raw[j] <= '9' || raw[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, raw[i:j]})
			i = j

		case isIdentChar(ch):
			j := i + 1
			for j < n && (isIdentChar(raw[j]) || raw[j] == '.') {
				j++
			}
			toks = append(toks, token{tokIdent, raw[i:j]})
			i = j

		default:
			return nil, fmt.Errorf("unexpected character %q", ch)
		}
	}

	toks = append(toks, token{tokEOF, ""})
	return toks, nil
}

func isIdentChar(ch byte) bool {
	return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9' || ch == '_'
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) atEOF() bool {
	return p.peek().kind == tokEOF
}

func (p *parser) acceptIdent() (string, bool) {
	if p.peek().kind == tokIdent {
		return p.next().text, true
	}
	return "", false
}

func (p *parser) acceptKeyword(kw string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, kw) {
		p.next()
		return true
	}
	return false
}

func (p *parser) parseDisjunction() (expr, error) {
	first, err := p.parseConjunction()
	if err != nil {
		return nil, err
	}

	terms := []expr{first}
	for p.acceptKeyword("OR") {
		next, err := p.parseConjunction()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}

	if len(terms) == 1 {
		return first, nil
	}
	return &orExpr{terms: terms}, nil
}

func (p *parser) parseConjunction() (expr, error) {
	first, err := p.parseClause()
	if err != nil {
		return nil, err
	}

	clauses := []expr{first}
	for p.acceptKeyword("AND") {
		next, err := p.parseClause()
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, next)
	}

	if len(clauses) == 1 {
		return first, nil
	}
	return &andExpr{clauses: clauses}, nil
}

func (p *parser) parseClause() (expr, error) {
	field, ok := p.acceptIdent()
	if !ok {
		return nil, fmt.Errorf("expected field name, got %q", p.peek().text)
	}
	if isReserved(field) {
		return nil, fmt.Errorf("expected field name, got keyword %q", field)
	}

	negate := false
	if p.acceptKeyword("NOT") {
		negate = true
		if !p.acceptKeyword("IN") {
			return nil, fmt.Errorf("expected IN after NOT")
		}
		return p.parseMembership(field, negate)
	}
	if p.acceptKeyword("IN") {
		return p.parseMembership(field, negate)
	}

	t := p.next()
	if t.kind != tokOp {
		return nil, fmt.Errorf("expected operator after %q, got %q", field, t.text)
	}

	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}

	return &cmpExpr{field: field, op: t.text, lit: lit}, nil
}

func (p *parser) parseMembership(field string, negate bool) (expr, error) {
	ref, ok := p.acceptIdent()
	if !ok {
		return nil, fmt.Errorf("expected source.field after IN")
	}

	dot := strings.Index(ref, ".")
	if dot <= 0 || dot == len(ref)-1 {
		return nil, fmt.Errorf("membership target %q must be source.field", ref)
	}

	return &memberExpr{
		field:  field,
		negate: negate,
		source: ref[:dot],
		key:    ref[dot+1:],
	}, nil
}

func (p *parser) parseLiteral() (interface{}, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return t.text, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", t.text)
		}
		return f, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		}
		return nil, fmt.Errorf("expected literal, got %q", t.text)
	}
	return nil, fmt.Errorf("expected literal, got %q", t.text)
}

func isReserved(word string) bool {
	switch strings.ToUpper(word) {
	case "WHERE", "AND", "OR", "IN", "NOT":
		return true
	}
	return false
}
