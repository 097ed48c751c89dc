// Package command wires the reqd CLI.
package command

import (
	"github.com/urfave/cli"

	"github.com/reqd-dev/reqd/version"
)

const usage = `
# to start the request runner on the default loopback address
reqd up --workspace ./requests

# to start with a config file
reqd up --config reqd.yaml

# to parse a request document without executing it
reqd parse api.http
`

func App() *cli.App {
	app := cli.NewApp()

	app.Name = "reqd"
	app.Version = version.Version
	app.Usage = usage
	app.Description = "local HTTP request runner and control plane"

	app.Commands = []cli.Command{
		{
			Name:   "up",
			Usage:  "start the reqd server",
			Action: cmdUp,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config,c",
					Usage: "path to the yaml config file",
				},
				cli.StringFlag{
					Name:  "listen-address",
					Usage: "address for the control plane to listen on (default: 127.0.0.1:28080)",
				},
				cli.StringFlag{
					Name:  "workspace,w",
					Usage: "workspace root bounding all file access (default: current directory)",
				},
				cli.StringFlag{
					Name:  "token",
					Usage: "bearer token gating the control plane; required for non-loopback binds",
				},
				cli.StringFlag{
					Name:  "log-level,l",
					Usage: "set the logging level [debug, info, warn, error]",
				},
				cli.BoolFlag{
					Name:  "pprof",
					Usage: "enable the profiler endpoints",
				},
			},
		},
		{
			Name:      "parse",
			Usage:     "parse a request document and print the requests as json",
			ArgsUsage: "<file.http>",
			Action:    cmdParse,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "log-level,l",
					Usage: "set the logging level [debug, info, warn, error]",
				},
			},
		},
		{
			Name:   "files",
			Usage:  "list the request and script files under a workspace root",
			Action: cmdFiles,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "workspace,w",
					Usage: "workspace root to scan (default: current directory)",
				},
			},
		},
	}

	return app
}
