package config

import (
	"flag"
	"os"
)

// ParseFlags parses command line flags and returns the config file path
func ParseFlags() (configFile string, err error) {
	flag.StringVar(&configFile, "config", "", "Path to configuration file")

	// Add help flag
	help := flag.Bool("help", false, "Show help")

	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}

	return configFile, nil
}
