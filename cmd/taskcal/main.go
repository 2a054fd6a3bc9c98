package main

import (
	"os"

	"github.com/urfave/cli"

	appLog "taskcal/internal/log"
)

var version = "0.1.0-dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		appLog.Error("taskcal failed", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "taskcal"
	app.Usage = "recurring task calendar"
	app.UsageText = "taskcal [--config path] <command> [arguments...]"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  "/etc/taskcal/config.yaml",
			Usage:  "path to the YAML config file",
			EnvVar: "TASKCAL_CONFIG",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the HTTP API and the subscription refresh scheduler",
			Action: serve,
		},
		{
			Name:      "list",
			Aliases:   []string{"ls"},
			Usage:     "print the task instances around now",
			ArgsUsage: " ",
			Action:    list,
			Flags:     listFlags,
		},
		{
			Name:      "import",
			Usage:     "import an iCalendar file once",
			ArgsUsage: "<file.ics>",
			Action:    importFile,
			Flags:     importFlags,
		},
		{
			Name:      "complete",
			Usage:     "mark one occurrence of a recurring task complete",
			ArgsUsage: "<definition-id> <logical-date RFC3339>",
			Action:    complete,
		},
		{
			Name:      "cancel",
			Usage:     "cancel one occurrence of a recurring task",
			ArgsUsage: "<definition-id> <logical-date RFC3339>",
			Action:    cancel,
		},
		{
			Name:      "edit",
			Usage:     "edit or reschedule one occurrence of a recurring task",
			ArgsUsage: "<definition-id> <logical-date RFC3339>",
			Action:    edit,
			Flags:     editFlags,
		},
	}
	return app
}
