package command

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"

	"github.com/reqd-dev/reqd/pkg/workspace"
)

func cmdFiles(cliContext *cli.Context) error {
	root := cliContext.String("workspace")
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		root = wd
	}

	store, err := workspace.NewStore(root)
	if err != nil {
		return err
	}
	defer store.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tKIND\tSIZE\tMODIFIED")
	for _, f := range store.Files() {
		mod := time.UnixMilli(f.ModTime)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			f.Path, f.Kind, humanize.IBytes(uint64(f.SizeBytes)), humanize.Time(mod))
	}
	return w.Flush()
}
