package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog/log"

	"github.com/ryansname/gridctl/distribute"
	"github.com/ryansname/gridctl/microgrid"
)

// consoleWorker runs an interactive console for poking the running system:
// submitting power requests and inspecting the device caches.
func consoleWorker(
	ctx context.Context,
	cancel context.CancelFunc,
	requests chan<- distribute.Request,
	cache *microgrid.DataCache,
	topology *microgrid.Topology,
) {
	completer := readline.NewPrefixCompleter(
		readline.PcItem("power"),
		readline.PcItem("batteries"),
		readline.PcItem("peek"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:       "gridctl> ",
		AutoComplete: completer,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to start console")
		return
	}
	defer rl.Close()

	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	printConsoleHelp()

	for {
		line, err := rl.Readline()
		if err != nil {
			// Ctrl-C / Ctrl-D or the readline instance was closed on shutdown.
			return
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "power":
			handlePower(ctx, fields[1:], requests, topology)
		case "batteries":
			for battery := range topology.Batteries() {
				if sample := cache.PeekBattery(battery); sample != nil {
					fmt.Printf("battery %d: soc=%.1f%% capacity=%.0fWh\n",
						battery, sample.SoC, sample.Capacity)
				} else {
					fmt.Printf("battery %d: no data yet\n", battery)
				}
			}
		case "peek":
			handlePeek(fields[1:], cache)
		case "help":
			printConsoleHelp()
		case "exit":
			cancel()
			return
		default:
			fmt.Printf("Unknown command %q, try help\n", fields[0])
		}
	}
}

func printConsoleHelp() {
	fmt.Println("Commands:")
	fmt.Println("  power <watts> [battery ids...]  distribute power (all batteries if none given)")
	fmt.Println("  batteries                       list batteries with cached state")
	fmt.Println("  peek <battery id>               show cached telemetry for a battery")
	fmt.Println("  exit                            shut gridctl down")
}

func handlePower(
	ctx context.Context,
	args []string,
	requests chan<- distribute.Request,
	topology *microgrid.Topology,
) {
	if len(args) == 0 {
		fmt.Println("Usage: power <watts> [battery ids...]")
		return
	}

	watts, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		fmt.Printf("Bad watts value %q\n", args[0])
		return
	}

	batteries := make(microgrid.BatterySet)
	if len(args) > 1 {
		for _, arg := range args[1:] {
			id, err := strconv.Atoi(arg)
			if err != nil {
				fmt.Printf("Bad battery id %q\n", arg)
				return
			}
			batteries[microgrid.BatteryID(id)] = struct{}{}
		}
	} else {
		batteries = topology.Batteries()
	}

	request := distribute.Request{
		Batteries:   batteries,
		Power:       watts,
		Timeout:     5 * time.Second,
		AdjustPower: true,
	}

	select {
	case requests <- request:
		fmt.Printf("Requested %.0f W over %d batteries\n", watts, len(batteries))
	case <-ctx.Done():
	}
}

func handlePeek(args []string, cache *microgrid.DataCache) {
	if len(args) != 1 {
		fmt.Println("Usage: peek <battery id>")
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Printf("Bad battery id %q\n", args[0])
		return
	}

	sample := cache.PeekBattery(microgrid.BatteryID(id))
	if sample == nil {
		fmt.Printf("battery %d: no data yet\n", id)
		return
	}
	fmt.Printf("battery %d @ %s\n", id, sample.Timestamp.Format(time.RFC3339))
	fmt.Printf("  soc=%.1f%% bounds=[%.1f, %.1f] capacity=%.0fWh\n",
		sample.SoC, sample.SoCLowerBound, sample.SoCUpperBound, sample.Capacity)
	fmt.Printf("  power: inclusion=[%.0f, %.0f] exclusion=[%.0f, %.0f]\n",
		sample.PowerBounds.InclusionLower, sample.PowerBounds.InclusionUpper,
		sample.PowerBounds.ExclusionLower, sample.PowerBounds.ExclusionUpper)
}
