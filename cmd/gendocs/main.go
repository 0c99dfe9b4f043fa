/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra/doc"

	"github.com/closednet/closednet/pkg/ctlcmd"
)

func main() {
	fs := flag.NewFlagSet("gendocs", flag.ExitOnError)
	out := fs.String("out", "", "Output directory for generated docs")
	man := fs.Bool("man", false, "Generate man pages instead of markdown")
	err := fs.Parse(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	if *out == "" {
		fs.Usage()
		fatal(errors.New("must specify -out"))
	}
	if err := os.MkdirAll(*out, 0755); err != nil {
		fatal(err)
	}
	cmd := ctlcmd.Root()
	cmd.DisableAutoGenTag = true
	if *man {
		err = doc.GenManTree(cmd, &doc.GenManHeader{Title: "CLOSEDNET", Section: "1"}, *out)
	} else {
		err = doc.GenMarkdownTree(cmd, *out)
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %s\n", err.Error())
	os.Exit(1)
}
