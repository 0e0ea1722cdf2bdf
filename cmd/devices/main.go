// Command devices lists attached devices the sampler can target, with the
// serial you would pass to -serial or DP_SERIAL.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	osexec "os/exec"
	"time"

	"github.com/perflab/devicepulse/internal/adapters/adb"
)

func main() {
	adbPath := os.Getenv("DP_ADB")
	if adbPath == "" {
		var err error
		adbPath, err = osexec.LookPath("adb")
		if err != nil {
			log.Fatal("adb not found in PATH; set DP_ADB")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	devices, err := adb.ListDevices(ctx, adbPath)
	if err != nil {
		log.Fatalf("adb devices failed: %v", err)
	}
	if len(devices) == 0 {
		fmt.Println("no devices attached")
		return
	}
	for _, d := range devices {
		line := fmt.Sprintf("%s\t%s", d.Serial, d.State)
		if d.Detail != "" {
			line += "\t" + d.Detail
		}
		fmt.Println(line)
	}
}
