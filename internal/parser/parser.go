package parser

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"sort"
	"strings"

	"github.com/dshills/sessionvault/pkg/types"
)

// Parser extracts code index entries from Go source files. It is safe for
// concurrent use.
type Parser struct {
	fset *token.FileSet
}

// New creates a new Parser instance
func New() *Parser {
	return &Parser{
		fset: token.NewFileSet(),
	}
}

// Import is one import declaration of a file
type Import struct {
	Path  string
	Alias string
	Line  int
}

// Result is everything extracted from one file
type Result struct {
	Package string
	Symbols []*types.CodeIndexEntry
	Imports []Import
	Errors  []string // Syntax errors; Symbols holds what could still be read
}

// ParseFile reads and parses a Go source file
func (p *Parser) ParseFile(filePath string) (*Result, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return p.ParseSource(filePath, content), nil
}

// ParseSource parses content as the Go file at filePath. Syntax errors are
// recorded on the result and the partial AST is still walked.
func (p *Parser) ParseSource(filePath string, content []byte) *Result {
	result := &Result{}

	file, err := parser.ParseFile(p.fset, filePath, content, parser.ParseComments)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("syntax error: %v", err))
	}
	if file == nil {
		return result
	}

	if file.Name != nil {
		result.Package = file.Name.Name
	}
	result.Imports = p.extractImports(file)

	extractor := &symbolExtractor{fset: p.fset, filePath: filePath}
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			extractor.extractFunction(d)
		case *ast.GenDecl:
			extractor.extractGenDecl(d)
		}
	}
	result.Symbols = extractor.symbols
	return result
}

func (p *Parser) extractImports(file *ast.File) []Import {
	imports := make([]Import, 0, len(file.Imports))
	for _, imp := range file.Imports {
		spec := Import{
			Path: strings.Trim(imp.Path.Value, `"`),
			Line: p.fset.Position(imp.Pos()).Line,
		}
		if imp.Name != nil {
			spec.Alias = imp.Name.Name
		}
		imports = append(imports, spec)
	}
	return imports
}

type symbolExtractor struct {
	fset     *token.FileSet
	filePath string
	symbols  []*types.CodeIndexEntry
}

func (e *symbolExtractor) add(name string, kind types.SymbolKind, node ast.Node, doc *ast.CommentGroup, signature string, refs []string) {
	e.symbols = append(e.symbols, &types.CodeIndexEntry{
		FilePath:   e.filePath,
		SymbolName: name,
		SymbolType: kind,
		Lines: &types.LineRange{
			Start: e.fset.Position(node.Pos()).Line,
			End:   e.fset.Position(node.End()).Line,
		},
		Signature:  signature,
		DocComment: docText(doc),
		References: refs,
	})
}

// extractFunction records functions and methods. Methods are named
// Receiver.Method.
func (e *symbolExtractor) extractFunction(fn *ast.FuncDecl) {
	name := fn.Name.Name
	if fn.Recv != nil && len(fn.Recv.List) > 0 {
		if recv := receiverName(fn.Recv.List[0].Type); recv != "" {
			name = recv + "." + name
		}
	}
	e.add(name, types.KindFunction, fn, fn.Doc, e.functionSignature(fn), calledNames(fn.Body))
}

func (e *symbolExtractor) extractGenDecl(decl *ast.GenDecl) {
	for _, spec := range decl.Specs {
		switch s := spec.(type) {
		case *ast.TypeSpec:
			doc := s.Doc
			if doc == nil && len(decl.Specs) == 1 {
				doc = decl.Doc
			}
			e.extractTypeSpec(s, doc)
		case *ast.ValueSpec:
			doc := s.Doc
			if doc == nil {
				doc = decl.Doc
			}
			e.extractValueSpec(s, doc, decl.Tok)
		}
	}
}

// extractTypeSpec records structs as classes, interfaces, and every other
// type declaration as a type. Embedded types become references.
func (e *symbolExtractor) extractTypeSpec(spec *ast.TypeSpec, doc *ast.CommentGroup) {
	name := spec.Name.Name
	switch t := spec.Type.(type) {
	case *ast.StructType:
		fields := 0
		if t.Fields != nil {
			fields = t.Fields.NumFields()
		}
		sig := fmt.Sprintf("type %s struct { ... } // %d fields", name, fields)
		e.add(name, types.KindClass, spec, doc, sig, e.embedded(t.Fields))
	case *ast.InterfaceType:
		methods := 0
		if t.Methods != nil {
			methods = t.Methods.NumFields()
		}
		sig := fmt.Sprintf("type %s interface { ... } // %d methods", name, methods)
		e.add(name, types.KindInterface, spec, doc, sig, e.embedded(t.Methods))
	default:
		op := " "
		if spec.Assign.IsValid() {
			op = " = "
		}
		e.add(name, types.KindType, spec, doc, "type "+name+op+exprToString(spec.Type), nil)
	}
}

func (e *symbolExtractor) extractValueSpec(spec *ast.ValueSpec, doc *ast.CommentGroup, tok token.Token) {
	keyword := "var"
	if tok == token.CONST {
		keyword = "const"
	}
	for _, name := range spec.Names {
		if name.Name == "_" {
			continue
		}
		sig := keyword + " " + name.Name
		if spec.Type != nil {
			sig += " " + exprToString(spec.Type)
		}
		if len(spec.Values) > 0 {
			sig += " = ..."
		}
		e.add(name.Name, types.KindVariable, spec, doc, sig, nil)
	}
}

// embedded returns the names of embedded fields in a struct or interface
func (e *symbolExtractor) embedded(fields *ast.FieldList) []string {
	if fields == nil {
		return nil
	}
	var names []string
	for _, f := range fields.List {
		if len(f.Names) > 0 {
			continue
		}
		if _, isMethod := f.Type.(*ast.FuncType); isMethod {
			continue
		}
		names = append(names, strings.TrimPrefix(exprToString(f.Type), "*"))
	}
	return names
}

func (e *symbolExtractor) functionSignature(fn *ast.FuncDecl) string {
	var sig strings.Builder
	sig.WriteString("func ")

	if fn.Recv != nil && len(fn.Recv.List) > 0 {
		sig.WriteString("(")
		sig.WriteString(exprToString(fn.Recv.List[0].Type))
		sig.WriteString(") ")
	}
	sig.WriteString(fn.Name.Name)

	sig.WriteString("(")
	sig.WriteString(fieldListToString(fn.Type.Params))
	sig.WriteString(")")

	if fn.Type.Results != nil {
		results := fieldListToString(fn.Type.Results)
		switch {
		case results == "":
		case fn.Type.Results.NumFields() > 1 || len(fn.Type.Results.List[0].Names) > 0:
			sig.WriteString(" (" + results + ")")
		default:
			sig.WriteString(" " + results)
		}
	}
	return sig.String()
}

// receiverName returns the base type name of a method receiver, without
// pointer or type parameters
func receiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverName(t.X)
	case *ast.IndexExpr:
		return receiverName(t.X)
	case *ast.IndexListExpr:
		return receiverName(t.X)
	case *ast.Ident:
		return t.Name
	}
	return ""
}

// calledNames lists the distinct functions called in body, sorted
func calledNames(body *ast.BlockStmt) []string {
	if body == nil {
		return nil
	}
	seen := make(map[string]bool)
	ast.Inspect(body, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		switch f := call.Fun.(type) {
		case *ast.Ident:
			seen[f.Name] = true
		case *ast.SelectorExpr:
			seen[exprToString(f)] = true
		}
		return true
	})
	if len(seen) == 0 {
		return nil
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func fieldListToString(fieldList *ast.FieldList) string {
	if fieldList == nil || len(fieldList.List) == 0 {
		return ""
	}

	var parts []string
	for _, field := range fieldList.List {
		typeStr := exprToString(field.Type)
		if len(field.Names) == 0 {
			parts = append(parts, typeStr)
			continue
		}
		for _, name := range field.Names {
			parts = append(parts, name.Name+" "+typeStr)
		}
	}
	return strings.Join(parts, ", ")
}

func exprToString(expr ast.Expr) string {
	if expr == nil {
		return ""
	}

	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + exprToString(t.X)
	case *ast.ArrayType:
		if t.Len != nil {
			return "[" + exprToString(t.Len) + "]" + exprToString(t.Elt)
		}
		return "[]" + exprToString(t.Elt)
	case *ast.BasicLit:
		return t.Value
	case *ast.MapType:
		return fmt.Sprintf("map[%s]%s", exprToString(t.Key), exprToString(t.Value))
	case *ast.ChanType:
		return "chan " + exprToString(t.Value)
	case *ast.FuncType:
		return "func(...)"
	case *ast.InterfaceType:
		return "interface{}"
	case *ast.StructType:
		return "struct{...}"
	case *ast.SelectorExpr:
		return exprToString(t.X) + "." + t.Sel.Name
	case *ast.Ellipsis:
		return "..." + exprToString(t.Elt)
	case *ast.IndexExpr:
		return exprToString(t.X) + "[" + exprToString(t.Index) + "]"
	case *ast.IndexListExpr:
		params := make([]string, len(t.Indices))
		for i, idx := range t.Indices {
			params[i] = exprToString(idx)
		}
		return exprToString(t.X) + "[" + strings.Join(params, ", ") + "]"
	case *ast.CallExpr:
		return exprToString(t.Fun) + "(...)"
	case *ast.ParenExpr:
		return "(" + exprToString(t.X) + ")"
	default:
		return "..."
	}
}

func docText(doc *ast.CommentGroup) string {
	if doc == nil {
		return ""
	}
	return strings.TrimSpace(doc.Text())
}
