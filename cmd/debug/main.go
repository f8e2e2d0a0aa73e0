package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/thatsimonsguy/sprinkler-controller/db"
	"github.com/thatsimonsguy/sprinkler-controller/internal/pinctrl"
)

func main() {
	DebugCLI()
}

func DebugCLI() {
	var dbPath, command string
	var limit int
	flag.StringVar(&dbPath, "db", "data/sprinkler.db", "Path to the SQLite database file")
	flag.StringVar(&command, "cmd", "", "Command to run: zones, runs, status, clear-rain-delay, cancel-orphans, pins")
	flag.IntVar(&limit, "limit", 20, "Row limit for the runs command")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of sprinkler-debug:")
		fmt.Println("  -db string\tPath to the SQLite database file (default 'data/sprinkler.db')")
		fmt.Println("  -cmd string\tCommand to run: zones, runs, status, clear-rain-delay, cancel-orphans, pins")
		fmt.Println("  -limit int\tRow limit for the runs command (default 20)")
		fmt.Println("  -help\tShow this help message")
		os.Exit(0)
	}

	var err error
	switch command {
	case "zones":
		err = db.ListZonesCLI(dbPath)
	case "runs":
		err = db.ListRunsCLI(dbPath, limit)
	case "status":
		err = db.ShowStatusCLI(dbPath)
	case "clear-rain-delay":
		err = db.ClearRainDelayCLI(dbPath)
	case "cancel-orphans":
		err = db.CancelOrphanedRunsCLI(dbPath)
	case "pins":
		err = showPins(dbPath)
	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command %s failed: %v\n", command, err)
		os.Exit(1)
	}
}

// showPins prints the hardware level of every zone pin next to what the
// database says about the zone.
func showPins(dbPath string) error {
	dbConn, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	zones, err := db.GetAllZones(dbConn)
	if err != nil {
		return err
	}
	states, err := pinctrl.ReadAllPins()
	if err != nil {
		return err
	}

	for _, zone := range zones {
		state, ok := states[zone.Pin.Number]
		if !ok {
			fmt.Printf("zone %d (%s): pin %d not reported by pinctrl\n", zone.Number, zone.Name, zone.Pin.Number)
			continue
		}
		energized := (state.Level == "hi") == zone.Pin.ActiveHigh
		fmt.Printf("zone %d (%s): pin %d level=%s energized=%v\n", zone.Number, zone.Name, zone.Pin.Number, state.Level, energized)
	}
	return nil
}
