package startup

import (
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/thatsimonsguy/sprinkler-controller/db"
	"github.com/thatsimonsguy/sprinkler-controller/internal/config"
	"github.com/thatsimonsguy/sprinkler-controller/internal/model"
	"github.com/thatsimonsguy/sprinkler-controller/internal/pinctrl"
)

// WriteBootScript writes a shell script that drives every zone pin to its
// de-energized level. Installed as a oneshot unit so valves stay closed from
// power-on until the controller takes over.
func WriteBootScript(cfg *config.Config, dbConn *sql.DB) error {
	zones, err := db.GetAllZones(dbConn)
	if err != nil {
		return err
	}

	var lines []string
	lines = append(lines, "#!/bin/bash", "", "# Sprinkler valve pin configuration at boot", "")
	for _, zone := range zones {
		drive := "dh"
		if zone.Pin.ActiveHigh {
			drive = "dl"
		}
		lines = append(lines, fmt.Sprintf("# zone %d: %s", zone.Number, zone.Name))
		lines = append(lines, fmt.Sprintf("pinctrl set %d op pn %s", zone.Pin.Number, drive))
		lines = append(lines, "")
	}

	contents := strings.Join(lines, "\n") + "\n"
	return os.WriteFile(cfg.BootScriptFilePath, []byte(contents), 0755)
}

func InstallBootService(cfg *config.Config) error {
	unitContents := fmt.Sprintf(`[Unit]
Description=Close sprinkler valves at boot
After=network.target

[Service]
Type=oneshot
Environment=PATH=/usr/local/bin:/usr/bin:/bin
ExecStart=%s
RemainAfterExit=true

[Install]
WantedBy=multi-user.target
`, cfg.BootScriptFilePath)

	return os.WriteFile(cfg.OSServicePath, []byte(unitContents), 0644)
}

func InstallMainService(cfg *config.Config) error {
	gpioUnitName := filepath.Base(cfg.OSServicePath)

	unit := fmt.Sprintf(`[Unit]
Description=Sprinkler controller main service
After=%s
Requires=%s

[Service]
Type=simple
WorkingDirectory=/opt/sprinkler-controller
Environment=PATH=/usr/local/bin:/usr/bin:/bin
ExecStart=/opt/sprinkler-controller/sprinkler-controller -config-file /opt/sprinkler-controller/config.json
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
`, gpioUnitName, gpioUnitName)

	return os.WriteFile(cfg.MainServicePath, []byte(unit), 0644)
}

func RunBootScript(cfg *config.Config) error {
	cmd := exec.Command("/bin/bash", cfg.BootScriptFilePath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// VerifyPinStates reads back every zone pin and reports any that is still
// energized. Startup treats a hot pin as fatal: a valve stuck open with no
// run row means hardware or wiring trouble.
func VerifyPinStates(zones []model.Zone) error {
	var hot []string
	for _, zone := range zones {
		level, err := pinctrl.ReadLevel(zone.Pin.Number)
		if err != nil {
			return fmt.Errorf("read pin %d: %w", zone.Pin.Number, err)
		}
		if level == zone.Pin.ActiveHigh {
			hot = append(hot, fmt.Sprintf("zone %d (pin %d)", zone.Number, zone.Pin.Number))
		}
	}
	if len(hot) > 0 {
		return fmt.Errorf("pins energized at startup: %s", strings.Join(hot, ", "))
	}
	return nil
}
