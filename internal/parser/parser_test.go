package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/sessionvault/pkg/types"
)

func symbolsByName(result *Result) map[string]*types.CodeIndexEntry {
	m := make(map[string]*types.CodeIndexEntry, len(result.Symbols))
	for _, s := range result.Symbols {
		m[s.SymbolName] = s
	}
	return m
}

func TestNew(t *testing.T) {
	p := New()
	assert.NotNil(t, p)
	assert.NotNil(t, p.fset)
}

func TestParseFile_ValidGoFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.go")

	content := `package testpkg

import (
	"fmt"
	"strings"
)

// User represents a user in the system
type User struct {
	ID   int
	Name string
}

// GetName returns the user's name
func (u *User) GetName() string {
	return strings.TrimSpace(u.Name)
}

// NewUser creates a new user
func NewUser(id int, name string) *User {
	fmt.Println("new user")
	return &User{ID: id, Name: name}
}
`
	require.NoError(t, os.WriteFile(testFile, []byte(content), 0644))

	result, err := New().ParseFile(testFile)
	require.NoError(t, err)
	assert.Equal(t, "testpkg", result.Package)
	assert.Empty(t, result.Errors)

	require.Len(t, result.Imports, 2)
	assert.Equal(t, "fmt", result.Imports[0].Path)
	assert.Equal(t, 4, result.Imports[0].Line)
	assert.Equal(t, "strings", result.Imports[1].Path)

	syms := symbolsByName(result)
	require.Len(t, syms, 3)

	user := syms["User"]
	require.NotNil(t, user)
	assert.Equal(t, types.KindClass, user.SymbolType)
	assert.Equal(t, "type User struct { ... } // 2 fields", user.Signature)
	assert.Equal(t, "User represents a user in the system", user.DocComment)
	assert.Equal(t, &types.LineRange{Start: 9, End: 12}, user.Lines)
	assert.Equal(t, testFile, user.FilePath)

	method := syms["User.GetName"]
	require.NotNil(t, method)
	assert.Equal(t, types.KindFunction, method.SymbolType)
	assert.Equal(t, "func (*User) GetName() string", method.Signature)
	assert.Equal(t, []string{"strings.TrimSpace"}, method.References)

	ctor := syms["NewUser"]
	require.NotNil(t, ctor)
	assert.Equal(t, "func NewUser(id int, name string) *User", ctor.Signature)
	assert.Equal(t, []string{"fmt.Println"}, ctor.References)
	assert.Equal(t, &types.LineRange{Start: 20, End: 23}, ctor.Lines)
}

func TestParseFile_WithImportAlias(t *testing.T) {
	src := `package alias

import (
	str "strings"
	_ "embed"
)

func Upper(s string) string { return str.ToUpper(s) }
`
	result := New().ParseSource("alias.go", []byte(src))
	require.Len(t, result.Imports, 2)
	assert.Equal(t, Import{Path: "strings", Alias: "str", Line: 4}, result.Imports[0])
	assert.Equal(t, "_", result.Imports[1].Alias)
}

func TestParseFile_SyntaxError(t *testing.T) {
	src := `package broken

func Good() int { return 1 }

func Bad( {
`
	result := New().ParseSource("broken.go", []byte(src))
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "syntax error")
	assert.Equal(t, "broken", result.Package)
	assert.Contains(t, symbolsByName(result), "Good")
}

func TestParseFile_NonExistentFile(t *testing.T) {
	_, err := New().ParseFile("/does/not/exist.go")
	assert.Error(t, err)
}

func TestParseFile_EmptyFile(t *testing.T) {
	result := New().ParseSource("empty.go", []byte("package empty\n"))
	assert.Equal(t, "empty", result.Package)
	assert.Empty(t, result.Symbols)
	assert.Empty(t, result.Imports)
	assert.Empty(t, result.Errors)
}

func TestParseFile_InterfaceType(t *testing.T) {
	src := `package repo

import "io"

// Repository stores things
type Repository interface {
	io.Closer
	Get(id string) (string, error)
	Put(id, value string) error
}
`
	result := New().ParseSource("repo.go", []byte(src))
	sym := symbolsByName(result)["Repository"]
	require.NotNil(t, sym)
	assert.Equal(t, types.KindInterface, sym.SymbolType)
	assert.Equal(t, "type Repository interface { ... } // 3 methods", sym.Signature)
	assert.Equal(t, []string{"io.Closer"}, sym.References)
	assert.Equal(t, "Repository stores things", sym.DocComment)
}

func TestParseFile_TypeDeclarations(t *testing.T) {
	src := `package kinds

type ID string

type Alias = map[string][]int

type Handler func(int) error

type Base struct{}

type Derived struct {
	*Base
	Name string
}
`
	syms := symbolsByName(New().ParseSource("kinds.go", []byte(src)))

	assert.Equal(t, types.KindType, syms["ID"].SymbolType)
	assert.Equal(t, "type ID string", syms["ID"].Signature)
	assert.Equal(t, "type Alias = map[string][]int", syms["Alias"].Signature)
	assert.Equal(t, "type Handler func(...)", syms["Handler"].Signature)
	assert.Equal(t, types.KindClass, syms["Derived"].SymbolType)
	assert.Equal(t, []string{"Base"}, syms["Derived"].References)
	assert.Nil(t, syms["Base"].References)
}

func TestParseFile_GenericReceiver(t *testing.T) {
	src := `package list

type List[T any] struct{ items []T }

func (l *List[T]) Len() int { return len(l.items) }

func (l List[T]) First() (first T, ok bool) {
	if l.Len() == 0 {
		return first, false
	}
	return l.items[0], true
}

type Pair[K comparable, V any] struct{}

func (p Pair[K, V]) Key() (k K) { return k }
`
	syms := symbolsByName(New().ParseSource("list.go", []byte(src)))

	require.Contains(t, syms, "List.Len")
	assert.Equal(t, "func (*List[T]) Len() int", syms["List.Len"].Signature)
	assert.Equal(t, []string{"len"}, syms["List.Len"].References)

	require.Contains(t, syms, "List.First")
	assert.Equal(t, "func (List[T]) First() (first T, ok bool)", syms["List.First"].Signature)
	assert.Equal(t, []string{"l.Len"}, syms["List.First"].References)

	require.Contains(t, syms, "Pair.Key")
	assert.Equal(t, "func (Pair[K, V]) Key() (k K)", syms["Pair.Key"].Signature)
}

func TestParseFile_ConstAndVar(t *testing.T) {
	src := `package config

// Limits
const (
	MaxSize = 100
	// MinSize is the floor
	MinSize int = 1
)

var DefaultName = "guest"

var _ = DefaultName
`
	result := New().ParseSource("config.go", []byte(src))
	syms := symbolsByName(result)
	require.Len(t, syms, 3)

	assert.Equal(t, types.KindVariable, syms["MaxSize"].SymbolType)
	assert.Equal(t, "const MaxSize = ...", syms["MaxSize"].Signature)
	assert.Equal(t, "Limits", syms["MaxSize"].DocComment)
	assert.Equal(t, "const MinSize int = ...", syms["MinSize"].Signature)
	assert.Equal(t, "MinSize is the floor", syms["MinSize"].DocComment)
	assert.Equal(t, "var DefaultName = ...", syms["DefaultName"].Signature)
}

func TestParseFile_EntriesValidate(t *testing.T) {
	src := `package ok

type T struct{}

func (T) M() {}

var V = 1
`
	for _, sym := range New().ParseSource("ok.go", []byte(src)).Symbols {
		sym.ID = "id"
		assert.NoError(t, sym.Validate(), sym.SymbolName)
	}
}
