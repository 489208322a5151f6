package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/logrusorgru/aurora"

	"jwtvalidate/internal/transport/cli"
)

const (
	banner = `
   _          _             _ _     _       _
  (_)_      _| |___   ____ _| (_) __| | __ _| |_ ___
  | \ \ /\ / / __\ \ / / _' | | |/ _' |/ _' | __/ _ \
  | |\ V  V /| |_ \ V / (_| | | | (_| | (_| | ||  __/
 _/ | \_/\_/  \__| \_/ \__,_|_|_|\__,_|\__,_|\__\___|
|__/`
)

func main() {
	// stdout carries the JSON results, so the banner goes to stderr.
	if len(os.Args) > 1 && os.Args[1] == "serve" {
		fmt.Fprintln(os.Stderr, aurora.Magenta(banner))
	}
	root := cli.NewRoot()
	if err := fang.Execute(context.Background(), root); err != nil {
		os.Exit(1)
	}
}
