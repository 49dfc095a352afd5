// switchctl drives the traffic switch admin API.
//
// Usage:
//
//	switchctl status
//	switchctl deploy <color> <address> [--health-path /readiness]
//	switchctl warm <color>
//	switchctl cutover <color>
//	switchctl complete
//	switchctl token --secret $BG_ADMIN_JWT_SECRET
package main

import (
	"fmt"
	"os"

	"github.com/mir00r/bluegreen/internal/switchctl"
)

func main() {
	if err := switchctl.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
