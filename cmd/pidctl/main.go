// pidctl ist das Kommandozeilenwerkzeug des PID-Providers.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
