package expr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/scanner"
)

// Render expands a template string containing {{ expr }} placeholders
// against a context map. Supported expression grammar: dotted-path variable
// lookup, string/number literals, +-*/ arithmetic, and two builtin
// functions, tojson(x) and default(x, fallback). There are no loops and no
// way to invoke anything other than those two builtins - the grammar is
// closed by construction.
func Render(tpl string, ctx map[string]interface{}) (string, error) {
	var out bytes.Buffer
	rest := tpl
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			out.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end == -1 {
			return "", fmt.Errorf("expr: unterminated {{ in template")
		}
		out.WriteString(rest[:start])
		exprSrc := rest[start+2 : start+end]
		val, err := EvalTemplateExpr(exprSrc, ctx)
		if err != nil {
			return "", fmt.Errorf("expr: %q: %w", strings.TrimSpace(exprSrc), err)
		}
		out.WriteString(stringify(val))
		rest = rest[start+end+2:]
	}
	return out.String(), nil
}

// EvalTemplateExpr parses and evaluates a single {{ ... }} expression body.
func EvalTemplateExpr(src string, ctx map[string]interface{}) (interface{}, error) {
	p := &tplParser{ctx: ctx}
	p.s.Init(strings.NewReader(src))
	p.s.Mode = scanner.ScanIdents | scanner.ScanInts | scanner.ScanFloats | scanner.ScanStrings
	p.next()
	val, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.tok != scanner.EOF {
		return nil, fmt.Errorf("unexpected trailing token %q", p.text)
	}
	return val, nil
}

type tplParser struct {
	s    scanner.Scanner
	ctx  map[string]interface{}
	tok  rune
	text string
}

func (p *tplParser) next() {
	p.tok = p.s.Scan()
	p.text = p.s.TokenText()
}

func (p *tplParser) parseExpr() (interface{}, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.text == "+" || p.text == "-" {
		op := p.text
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left, err = applyArith(op, left, right)
		if err != nil {
			return nil, err
		}
	}
	return left, nil
}

func (p *tplParser) parseTerm() (interface{}, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for p.text == "*" || p.text == "/" {
		op := p.text
		p.next()
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left, err = applyArith(op, left, right)
		if err != nil {
			return nil, err
		}
	}
	return left, nil
}

func (p *tplParser) parseFactor() (interface{}, error) {
	switch p.tok {
	case scanner.Int, scanner.Float:
		v, err := strconv.ParseFloat(p.text, 64)
		p.next()
		return v, err
	case scanner.String:
		s, err := strconv.Unquote(p.text)
		p.next()
		return s, err
	case '(':
		p.next()
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.text != ")" {
			return nil, fmt.Errorf("expected ) got %q", p.text)
		}
		p.next()
		return v, nil
	case scanner.Ident:
		name := p.text
		p.next()
		if p.text == "(" {
			return p.parseCall(name)
		}
		path := name
		for p.text == "." {
			p.next()
			if p.tok != scanner.Ident {
				return nil, fmt.Errorf("expected identifier after '.'")
			}
			path += "." + p.text
			p.next()
		}
		v, _ := lookup(p.ctx, path)
		return v, nil
	default:
		return nil, fmt.Errorf("unexpected token %q", p.text)
	}
}

func (p *tplParser) parseCall(name string) (interface{}, error) {
	p.next() // consume '('
	var args []interface{}
	if p.text != ")" {
		for {
			v, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, v)
			if p.text == "," {
				p.next()
				continue
			}
			break
		}
	}
	if p.text != ")" {
		return nil, fmt.Errorf("expected ) in call to %s", name)
	}
	p.next()
	switch name {
	case "tojson":
		if len(args) != 1 {
			return nil, fmt.Errorf("tojson takes exactly 1 argument")
		}
		b, err := json.Marshal(args[0])
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case "default":
		if len(args) != 2 {
			return nil, fmt.Errorf("default takes exactly 2 arguments")
		}
		if args[0] == nil {
			return args[1], nil
		}
		return args[0], nil
	default:
		return nil, fmt.Errorf("unknown function %q", name)
	}
}

func applyArith(op string, a, b interface{}) (interface{}, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if op == "+" {
		as, asok := a.(string)
		bs, bsok := b.(string)
		if asok || bsok {
			if !asok {
				as = stringify(a)
			}
			if !bsok {
				bs = stringify(b)
			}
			return as + bs, nil
		}
	}
	if !aok || !bok {
		return nil, fmt.Errorf("arithmetic on non-numeric operand")
	}
	switch op {
	case "+":
		return af + bf, nil
	case "-":
		return af - bf, nil
	case "*":
		return af * bf, nil
	case "/":
		if bf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return af / bf, nil
	default:
		return nil, fmt.Errorf("unsupported operator %q", op)
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
