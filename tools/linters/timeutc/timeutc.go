// Package timeutc flags time values that are not pinned to UTC. Persisted
// timestamps in this repo are stored and compared as UTC instants (the SQL
// stores round-trip epoch milliseconds), so a local-zone time.Time reaching a
// lease or run_at comparison is a correctness bug rather than a formatting
// nit.
package timeutc

import (
	"go/ast"
	"strings"

	"golang.org/x/tools/go/analysis"
)

// Analyzer reports time constructors whose result is left in the local zone:
// time.Now, time.Unix, time.UnixMilli and time.UnixMicro calls not chained
// with .UTC(), and time.Date calls whose location is not time.UTC.
var Analyzer = &analysis.Analyzer{
	Name: "timeutc",
	Doc:  "reports time values that are not pinned to UTC",
	Run:  run,
}

// localZoneConstructors are the time package functions that return a Time
// carrying the local zone unless the caller chains .UTC().
var localZoneConstructors = map[string]bool{
	"Now":       true,
	"Unix":      true,
	"UnixMilli": true,
	"UnixMicro": true,
}

func run(pass *analysis.Pass) (any, error) {
	for _, file := range pass.Files {
		// Constructor calls that appear as the receiver of .UTC() are fine;
		// collect them first so the inner call is not reported on its own.
		pinned := make(map[*ast.CallExpr]bool)
		ast.Inspect(file, func(n ast.Node) bool {
			sel, ok := n.(*ast.SelectorExpr)
			if !ok || sel.Sel.Name != "UTC" {
				return true
			}
			if call, ok := sel.X.(*ast.CallExpr); ok && constructorName(call) != "" {
				pinned[call] = true
			}
			return true
		})

		ast.Inspect(file, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok {
				return true
			}
			if suppressed(pass, file, call) {
				return true
			}
			if name := constructorName(call); name != "" && !pinned[call] {
				pass.Reportf(call.Pos(), "time.%s() should be chained with .UTC(); stored timestamps are compared as UTC instants", name)
				return true
			}
			if isTimePackageCall(call, "Date") && !locationIsUTC(call) {
				pass.Reportf(call.Pos(), "time.Date() should use time.UTC as its location; stored timestamps are compared as UTC instants")
			}
			return true
		})
	}

	return nil, nil
}

// constructorName returns the time package function name when call is one of
// the local-zone constructors, and "" otherwise.
func constructorName(call *ast.CallExpr) string {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || !localZoneConstructors[sel.Sel.Name] {
		return ""
	}
	if pkg, ok := sel.X.(*ast.Ident); ok && pkg.Name == "time" {
		return sel.Sel.Name
	}
	return ""
}

// isTimePackageCall reports whether call is time.<name>(...).
func isTimePackageCall(call *ast.CallExpr, name string) bool {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != name {
		return false
	}
	pkg, ok := sel.X.(*ast.Ident)
	return ok && pkg.Name == "time"
}

// locationIsUTC reports whether the final argument of a time.Date call is the
// time.UTC location.
func locationIsUTC(call *ast.CallExpr) bool {
	if len(call.Args) == 0 {
		return false
	}
	sel, ok := call.Args[len(call.Args)-1].(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "UTC" {
		return false
	}
	pkg, ok := sel.X.(*ast.Ident)
	return ok && pkg.Name == "time"
}

// suppressed reports whether the call carries a nolint comment on its own
// line or the line above. Both bare //nolint and //nolint:timeutc apply.
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
			if !strings.Contains(text, ":") || strings.Contains(text, "timeutc") {
				return true
			}
		}
	}
	return false
}
