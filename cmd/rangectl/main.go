package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	cli "github.com/urfave/cli"

	ingestors "github.com/rangelab-io/rangelab-core/db/ingestors"
	models "github.com/rangelab-io/rangelab-core/db/models"
)

func main() {

	app := cli.NewApp()
	app.Name = "rangectl"
	app.Usage = "Command-line tool for working with Rangelab lab content"

	app.Commands = []cli.Command{
		{
			Name:  "validate",
			Usage: "rangectl validate <LAB DIRECTORY>",
			Action: func(c *cli.Context) {

				labDir := c.Args().First()
				if labDir == "" {
					color.Red("Please provide a lab directory to validate.")
					os.Exit(1)
				}

				labs, err := ingestors.ReadLabs(labDir)
				if err != nil {
					color.Red("Some lab definitions failed to validate.")
					os.Exit(1)
				}

				for _, lab := range labs {
					fmt.Printf("%s (%s)\n", lab.Slug, lab.Name)
				}
				color.Green("All detected lab definitions validated successfully.")
				os.Exit(0)
			},
		},
		{
			Name:  "schema",
			Usage: "Print the JSON schema used to validate lab definitions",
			Action: func(c *cli.Context) {

				schema := models.Lab{}.GetSchema()
				b, err := json.MarshalIndent(schema, "", "  ")
				if err != nil {
					color.Red("Unable to render lab schema: %v", err)
					os.Exit(1)
				}
				fmt.Println(string(b))
			},
		},
	}

	app.Run(os.Args)
}
