package main

import (
	"github.com/reviewpipe/reviewpipe/tools/linters/slogctx"
	"golang.org/x/tools/go/analysis/singlechecker"
)

func main() {
	singlechecker.Main(slogctx.Analyzer)
}
