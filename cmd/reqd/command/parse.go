package command

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli"

	"github.com/reqd-dev/reqd/pkg/httpfile"
	"github.com/reqd-dev/reqd/pkg/log"
)

func cmdParse(cliContext *cli.Context) error {
	zapLvl, err := log.ParseLogLevel(cliContext.String("log-level"))
	if err != nil {
		return err
	}
	log.Logger = log.CreateLogger(zapLvl)

	path := cliContext.Args().First()
	if path == "" {
		return fmt.Errorf("usage: reqd parse <file.http>")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	doc, err := httpfile.Parse(string(data))
	if err != nil {
		return err
	}

	out := map[string]any{
		"source":      filepath.Base(path),
		"requests":    doc.Requests,
		"variables":   doc.Variables,
		"diagnostics": doc.Diagnostics,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
