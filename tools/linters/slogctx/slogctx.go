// Package slogctx flags leveled slog calls that ignore an in-scope context.
// Log records reach the collector through the otelslog bridge, which picks up
// trace and span ids from the context passed to the *Context variants; a bare
// slog.Info inside a request path produces a record that cannot be correlated
// with the trace that caused it.
package slogctx

import (
	"go/ast"
	"go/types"
	"strings"

	"golang.org/x/tools/go/analysis"
)

// Analyzer reports slog.Debug/Info/Warn/Error calls (package-level or on a
// *slog.Logger) inside functions that receive a context.Context.
var Analyzer = &analysis.Analyzer{
	Name: "slogctx",
	Doc:  "reports leveled slog calls that ignore an in-scope context",
	Run:  run,
}

// contextVariants maps each leveled call to its context-aware form.
var contextVariants = map[string]string{
	"Debug": "DebugContext",
	"Info":  "InfoContext",
	"Warn":  "WarnContext",
	"Error": "ErrorContext",
}

func run(pass *analysis.Pass) (any, error) {
	for _, file := range pass.Files {
		for _, decl := range file.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Body == nil {
				continue
			}
			// Only functions with a reachable context parameter are held to
			// the rule; startup and shutdown paths with no context keep the
			// plain variants.
			if contextParamName(pass, fn.Type.Params) == "" {
				continue
			}
			ast.Inspect(fn.Body, func(n ast.Node) bool {
				call, ok := n.(*ast.CallExpr)
				if !ok {
					return true
				}
				name, variant, ok := leveledSlogCall(pass, call)
				if !ok {
					return true
				}
				if suppressed(pass, file, call) {
					return true
				}
				pass.Reportf(call.Pos(), "%s should be %s when a context is in scope so log records carry trace correlation", name, variant)
				return true
			})
		}
	}

	return nil, nil
}

// contextParamName returns the name of the first context.Context parameter,
// or "" when there is none or it is discarded with _.
func contextParamName(pass *analysis.Pass, params *ast.FieldList) string {
	if params == nil {
		return ""
	}
	for _, field := range params.List {
		tv, ok := pass.TypesInfo.Types[field.Type]
		if !ok || tv.Type == nil || tv.Type.String() != "context.Context" {
			continue
		}
		for _, name := range field.Names {
			if name.Name != "_" {
				return name.Name
			}
		}
	}
	return ""
}

// leveledSlogCall resolves call through type information and reports whether
// it is one of the leveled log/slog calls, either the package-level function
// or the *slog.Logger method.
func leveledSlogCall(pass *analysis.Pass, call *ast.CallExpr) (name, variant string, ok bool) {
	sel, isSel := call.Fun.(*ast.SelectorExpr)
	if !isSel {
		return "", "", false
	}
	fn, isFunc := pass.TypesInfo.Uses[sel.Sel].(*types.Func)
	if !isFunc {
		return "", "", false
	}
	name = fn.Name()
	variant, leveled := contextVariants[name]
	if !leveled {
		return "", "", false
	}
	full := fn.FullName()
	if full != "log/slog."+name && full != "(*log/slog.Logger)."+name {
		return "", "", false
	}
	return name, variant, true
}

// suppressed reports whether the call carries a nolint comment on its own
// line or the line above. Both bare //nolint and //nolint:slogctx apply.
func suppressed(pass *analysis.Pass, file *ast.File, call *ast.CallExpr) bool {
	line := pass.Fset.Position(call.Pos()).Line
	for _, cg := range file.Comments {
		for _, comment := range cg.List {
			at := pass.Fset.Position(comment.Pos()).Line
			if at != line && at != line-1 {
				continue
			}
			text := comment.Text
			if !strings.Contains(text, "nolint") {
				continue
			}
			if !strings.Contains(text, ":") || strings.Contains(text, "slogctx") {
				return true
			}
		}
	}
	return false
}
