// Package parser turns Go source files into code index entries.
//
// It uses go/parser and go/ast from the standard library. Declarations map
// onto symbol kinds as follows:
//
//   - functions and methods become function entries; methods are named
//     Receiver.Method so they stay unique within a package
//   - structs become class entries
//   - interfaces become interface entries
//   - every other type declaration becomes a type entry
//   - constants and package variables become variable entries
//
// Each entry carries its line range, a one-line signature and its doc
// comment. References hold the functions a function calls, or the types a
// struct or interface embeds.
//
//	p := parser.New()
//	result, err := p.ParseFile("internal/storage/sqlite.go")
//	if err != nil {
//	    return err
//	}
//	for _, sym := range result.Symbols {
//	    fmt.Println(sym.SymbolType, sym.SymbolName)
//	}
//
// A file with syntax errors is not fatal: the errors are listed on the
// result and whatever declarations could be read are still returned.
package parser
