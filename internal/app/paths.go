// Package app provides the application initialization and wiring.
package app

import (
	"github.com/spf13/viper"
)

// ConfigureViper sets up viper with standard config file search paths.
// Config file: dcrp.toml
// Search paths (in order): /etc/dcrp, ~/.config/dcrp, current directory
func ConfigureViper(v *viper.Viper, configPath string) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("dcrp")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc/dcrp")
		v.AddConfigPath("$HOME/.config/dcrp")
		v.AddConfigPath(".")
	}
}
