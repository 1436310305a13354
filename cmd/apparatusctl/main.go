// apparatusctl drives the hole-board apparatus from the command line:
// LED control, force and reed measurements, and serial port discovery.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"apparatuslink/internal/apparatus"
	"apparatuslink/internal/protocol"
	"apparatuslink/internal/transport"
)

var (
	flagPort    string
	flagBaud    int
	flagDemo    bool
	flagDebug   bool
	flagTimeout int
)

func main() {
	root := &cobra.Command{
		Use:          "apparatusctl",
		Short:        "Control and measure the hole-board apparatus",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetFlags(log.Ltime | log.Lshortfile)
			if !flagDebug {
				log.SetOutput(io.Discard)
			}
		},
	}
	root.PersistentFlags().StringVarP(&flagPort, "port", "p", "/dev/ttyUSB0", "serial port path")
	root.PersistentFlags().IntVarP(&flagBaud, "baud", "b", 115200, "baud rate")
	root.PersistentFlags().BoolVar(&flagDemo, "demo", false, "use the built-in simulator instead of hardware")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "log every message on the wire")
	root.PersistentFlags().IntVar(&flagTimeout, "timeout", 2000, "ack timeout in milliseconds")

	root.AddCommand(newLedCmd(), newForceCmd(), newReedCmd(), newPortsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openApparatus() (*apparatus.Apparatus, error) {
	typ := "serial"
	if flagDemo {
		typ = "demo"
	}
	app := apparatus.New(apparatus.Config{
		Type:         typ,
		Port:         flagPort,
		Baud:         flagBaud,
		AckTimeoutMs: flagTimeout,
		RateLimitMs:  -1, // operator commands are deliberate, never skipped
		Debug:        flagDebug,
	})
	if err := app.Connect(); err != nil {
		return nil, err
	}
	return app, nil
}

func newLedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "led",
		Short: "Control the hole LEDs",
	}

	var colorStr string
	set := &cobra.Command{
		Use:   "set <holes>",
		Short: "Light holes in one color (holes: all, inner, outer or e.g. 0,5,10)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := apparatus.ParseHoleSpec(args[0])
			if err != nil {
				return err
			}
			c, err := parseColor(colorStr)
			if err != nil {
				return err
			}
			app, err := openApparatus()
			if err != nil {
				return err
			}
			defer app.Close()
			if err := app.SetHoleLights(spec, c, false); err != nil {
				return err
			}
			fmt.Printf("lit %s in #%02x%02x%02x\n", spec, c.R, c.G, c.B)
			return nil
		},
	}
	set.Flags().StringVarP(&colorStr, "color", "c", "255,0,0", "color as R,G,B or #RRGGBB")

	off := &cobra.Command{
		Use:   "off [holes]",
		Short: "Turn hole LEDs off (default: all)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApparatus()
			if err != nil {
				return err
			}
			defer app.Close()
			if len(args) == 0 {
				return app.TurnOffAllLights(false)
			}
			spec, err := apparatus.ParseHoleSpec(args[0])
			if err != nil {
				return err
			}
			return app.TurnOffHoleLights(spec, false)
		},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Latch previously written colors onto the strip",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApparatus()
			if err != nil {
				return err
			}
			defer app.Close()
			return app.ShowLeds()
		},
	}

	cmd.AddCommand(set, off, show)
	return cmd
}

func newForceCmd() *cobra.Command {
	var (
		rate     float64
		device   string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "force",
		Short: "Run a force measurement and print the series summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := protocol.ParseForceDevice(device)
			if err != nil {
				return err
			}
			app, err := openApparatus()
			if err != nil {
				return err
			}
			defer app.Close()

			force := app.Force()
			if err := force.Start(rate, dev); err != nil {
				return err
			}
			fmt.Printf("measuring %s at %g Hz for %v (ctrl-c to stop early)\n", dev, rate, duration)

			runMeasurement(duration, func() {
				force.Update()
				white := force.White()
				blue := force.Blue()
				fmt.Printf("\rwhite %7.1f (max %7.1f)   blue %7.1f (max %7.1f)   %d samples ",
					white.Current, white.Max, blue.Current, blue.Max, force.SampleCount())
			})
			fmt.Println()

			if err := force.Stop(); err != nil {
				return err
			}
			white := force.White()
			blue := force.Blue()
			fmt.Printf("samples: %d (white %d, blue %d)\n",
				force.SampleCount(), len(white.Values), len(blue.Values))
			if len(white.Values) > 0 {
				fmt.Printf("white: max %.1f, last %.1f\n", white.Max, white.Current)
			}
			if len(blue.Values) > 0 {
				fmt.Printf("blue:  max %.1f, last %.1f\n", blue.Max, blue.Current)
			}
			return nil
		},
	}
	cmd.Flags().Float64VarP(&rate, "rate", "r", 100, "sample rate in Hz")
	cmd.Flags().StringVarP(&device, "device", "d", "both", "dynamometer: white, blue or both")
	cmd.Flags().DurationVarP(&duration, "duration", "t", 5*time.Second, "how long to measure")
	return cmd
}

func newReedCmd() *cobra.Command {
	var (
		rate     float64
		holesStr string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "reed",
		Short: "Watch reed switches and print insertion events and a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := apparatus.ParseHoleSpec(holesStr)
			if err != nil {
				return err
			}
			app, err := openApparatus()
			if err != nil {
				return err
			}
			defer app.Close()

			reed := app.Reed()
			if err := reed.Start(rate, spec); err != nil {
				return err
			}
			fmt.Printf("watching holes %s at %g Hz for %v (ctrl-c to stop early)\n", spec, rate, duration)

			seen := 0
			runMeasurement(duration, func() {
				reed.Update()
				events := reed.Events()
				for _, ev := range events[seen:] {
					fmt.Printf("%8.3fs  hole %-2d %s\n", ev.T, ev.Hole, ev.Action)
				}
				seen = len(events)
			})

			if err := reed.Stop(); err != nil {
				return err
			}
			summary := reed.Summary()
			if len(summary) == 0 {
				fmt.Println("no activity")
				return nil
			}
			fmt.Println("hole  insertions  removals  inserted")
			for _, hs := range summary {
				fmt.Printf("%4d  %10d  %8d  %7.2fs\n", hs.Hole, hs.Insertions, hs.Removals, hs.Duration)
			}
			return nil
		},
	}
	cmd.Flags().Float64VarP(&rate, "rate", "r", 100, "sample rate in Hz")
	cmd.Flags().StringVar(&holesStr, "holes", "all", "holes to watch: all, inner, outer or e.g. 0,5,10")
	cmd.Flags().DurationVarP(&duration, "duration", "t", 10*time.Second, "how long to watch")
	return cmd
}

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := transport.ListPorts()
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

// runMeasurement ticks the refresh callback until the duration elapses
// or the user interrupts.
func runMeasurement(d time.Duration, refresh func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	deadline := time.After(d)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return
		case <-sigCh:
			fmt.Println("\ninterrupted")
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// parseColor understands "R,G,B" decimal triplets and "#RRGGBB" hex.
func parseColor(s string) (protocol.Color, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "#") {
		if len(s) != 7 {
			return protocol.Color{}, fmt.Errorf("bad color %q (want #RRGGBB)", s)
		}
		v, err := strconv.ParseUint(s[1:], 16, 32)
		if err != nil {
			return protocol.Color{}, fmt.Errorf("bad color %q (want #RRGGBB)", s)
		}
		return protocol.Color{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return protocol.Color{}, fmt.Errorf("bad color %q (want R,G,B or #RRGGBB)", s)
	}
	var vals [3]uint8
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			return protocol.Color{}, fmt.Errorf("bad color component %q", p)
		}
		vals[i] = uint8(n)
	}
	return protocol.Color{R: vals[0], G: vals[1], B: vals[2]}, nil
}
