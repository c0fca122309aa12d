/*
 * jcvmcore - a Java Card virtual machine runtime core
 * Adapted from the Jacobin VM project. Licensed under Mozilla Public License 2.0 (MPL 2.0)
 */

// Command jcvmcore is the host-emulation entry point (spec.md §6
// "Runtime entry"): load a flash image, run the interpreter against one
// package's bootstrap method, optionally persist the image back.
// Grounded on the teacher's src/exec.StartExec as "the thing main calls
// to kick off execution", generalized from a single hardcoded main()
// lookup to a CLI-selectable (package, method) entry point, and on the
// CLI flag shape of the retrieval pack's go-probe/urfave-cli usage,
// moved to the v2 API.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"jcvmcore/src/capfile"
	"jcvmcore/src/globals"
	"jcvmcore/src/image"
	"jcvmcore/src/interpreter"
	"jcvmcore/src/log"
	"jcvmcore/src/shutdown"
)

func main() {
	g := globals.InitGlobals("jcvmcore")

	app := &cli.App{
		Name:  "jcvmcore",
		Usage: "Java Card virtual machine core, host emulation harness",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "memory",
				Aliases:  []string{"m"},
				Usage:    "path to the flash image",
				Required: true,
			},
			&cli.BoolFlag{
				Name:    "save",
				Aliases: []string{"s"},
				Usage:   "persist modifications back to the flash image on exit",
			},
			&cli.BoolFlag{
				Name:  "trace",
				Usage: "log every dispatched opcode",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "optional YAML file overriding stack/heap sizing and check toggles",
			},
			&cli.IntFlag{
				Name:  "applet",
				Usage: "applet id the bootstrap runs under",
				Value: 0,
			},
			&cli.IntFlag{
				Name:  "package",
				Usage: "package id to invoke the bootstrap method in",
				Value: 0,
			},
			&cli.IntFlag{
				Name:  "method",
				Usage: "method offset of the bootstrap method",
				Value: 0,
			},
		},
		Action: func(c *cli.Context) error {
			return run(g, c)
		},
	}

	if err := app.Run(os.Args); err != nil {
		_ = log.Log(err.Error(), globals.SEVERE)
		os.Exit(shutdown.Code(err))
	}
}

func run(g *globals.Globals, c *cli.Context) error {
	log.Init()
	if c.Bool("trace") {
		g.Trace = true
		log.SetLogLevel(globals.TRACE_INST)
	}

	if cfgPath := c.String("config"); cfgPath != "" {
		if err := globals.LoadConfigFile(cfgPath, g); err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}

	memoryPath := c.String("memory")
	registry, err := image.Load(memoryPath, g.MaxPackages)
	if err != nil {
		return fmt.Errorf("loading flash image %q: %w", memoryPath, err)
	}

	in := interpreter.New(registry, g)

	appletID := uint8(c.Int("applet"))
	pkg := capfile.PackageID(c.Int("package"))
	methodOffset := uint16(c.Int("method"))

	runErr := in.Run(appletID, pkg, methodOffset)

	if c.Bool("save") {
		if err := image.Save(memoryPath, registry); err != nil {
			return fmt.Errorf("saving flash image %q: %w", memoryPath, err)
		}
	}

	return runErr
}
