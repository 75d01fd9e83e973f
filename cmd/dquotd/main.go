package main

import (
	"os"

	"k8s.io/component-base/cli"

	"github.com/terminus-io/dquot/cmd/dquotd/app"
)

func main() {
	code := cli.Run(app.NewRootCommand())
	os.Exit(code)
}
