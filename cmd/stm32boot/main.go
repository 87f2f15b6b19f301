// Command stm32boot is a one-shot CLI for programming STM32 MCUs over
// their UART system-memory bootloader (spec.md §6). It is grounded on
// chr2png's *cli.App construction and microchipboot's logrus wiring.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"gopkg.in/urfave/cli.v2"

	"github.com/kaerke/stm32boot/internal/flasher"
	"github.com/kaerke/stm32boot/internal/session"
)

const defaultBaud = 115200

var log = logrus.StandardLogger()

func main() {
	app := &cli.App{
		Name:    "stm32boot",
		Usage:   "flash and inspect STM32 MCUs over the UART system bootloader",
		Version: "v0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "serial device node, e.g. /dev/ttyUSB0",
			},
			&cli.IntFlag{
				Name:    "baud",
				Aliases: []string{"b"},
				Usage:   "baud rate",
				Value:   defaultBaud,
			},
			&cli.BoolFlag{
				Name:  "v",
				Usage: "enable verbose (debug) logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("v") {
				log.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			listCommand(),
			infoCommand(),
			eraseCommand(),
			flashCommand(),
			runCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list available serial ports",
		Action: func(c *cli.Context) error {
			ports, err := session.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("no serial ports found")
				return nil
			}
			for _, p := range ports {
				fmt.Println(p)
			}
			return nil
		},
	}
}

// withOrchestrator connects to the port named by the "port"/"baud" global
// flags, builds an Orchestrator, runs fn, then disconnects -- regardless
// of whether fn returned an error.
func withOrchestrator(c *cli.Context, fn func(*flasher.Orchestrator) error) error {
	portName := c.String("port")
	if portName == "" {
		return cli.Exit("missing required --port flag", 1)
	}
	baud := c.Int("baud")

	sess := session.New(nil, log)
	if err := sess.Connect(portName, baud); err != nil {
		return err
	}
	defer sess.Disconnect()

	orch := flasher.New(flasher.NewSessionAdapter(sess), log, progressReporter())
	return fn(orch)
}

func progressReporter() func(flasher.Progress) {
	lastPercent := -1
	return func(p flasher.Progress) {
		if p.Total == 0 {
			return
		}
		percent := p.Done * 100 / p.Total
		if percent == lastPercent {
			return
		}
		lastPercent = percent
		fmt.Printf("\r%s: %d%% (%d/%d bytes)", p.Phase, percent, p.Done, p.Total)
		if p.Done >= p.Total {
			fmt.Println()
		}
	}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "sync with the bootloader and print chip information",
		Action: func(c *cli.Context) error {
			return withOrchestrator(c, func(o *flasher.Orchestrator) error {
				info, err := o.ChipInfo()
				if err != nil {
					return err
				}
				fmt.Printf("Chip ID:     0x%04X\n", info.ChipID)
				fmt.Printf("Chip Name:   %s\n", info.ChipName)
				fmt.Printf("Bootloader:  v%d.%d\n", (info.BootloaderVersion>>4)&0x0F, info.BootloaderVersion&0x0F)
				fmt.Printf("Ext. Erase:  %v\n", info.ExtendedErase)
				return nil
			})
		},
	}
}

func eraseCommand() *cli.Command {
	return &cli.Command{
		Name:  "erase",
		Usage: "erase the entire flash memory",
		Action: func(c *cli.Context) error {
			return withOrchestrator(c, func(o *flasher.Orchestrator) error {
				log.Info("erasing flash memory, this may take a while")
				if err := o.Erase(); err != nil {
					return err
				}
				log.Info("flash erased")
				return nil
			})
		},
	}
}

func flashCommand() *cli.Command {
	return &cli.Command{
		Name:      "flash",
		Usage:     "write a firmware image and verify it",
		ArgsUsage: "<file.hex|file.bin>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Usage: "start address for .bin files, e.g. 0x08000000"},
			&cli.BoolFlag{Name: "no-erase", Usage: "skip the pre-write erase"},
			&cli.BoolFlag{Name: "no-verify", Usage: "skip post-write verification"},
			&cli.BoolFlag{Name: "run", Usage: "jump to the application after flashing", Value: true},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return cli.Exit("expected exactly one firmware file argument", 1)
			}
			path := c.Args().Get(0)
			addr, err := parseAddress(c.String("address"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return withOrchestrator(c, func(o *flasher.Orchestrator) error {
				return o.Flash(path, addr, !c.Bool("no-erase"), !c.Bool("no-verify"), c.Bool("run"))
			})
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "jump to an address and begin execution",
		ArgsUsage: "<address>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return cli.Exit("expected exactly one address argument", 1)
			}
			addr, err := parseAddress(c.Args().Get(0))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return withOrchestrator(c, func(o *flasher.Orchestrator) error {
				return o.Go(addr)
			})
		},
	}
}

func parseAddress(s string) (uint32, error) {
	if s == "" {
		return 0x08000000, nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return uint32(v), nil
}
