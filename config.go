// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MatthiasValvekens/serialusb-proxy/allocator"
	"github.com/MatthiasValvekens/serialusb-proxy/protocol"
	"github.com/MatthiasValvekens/serialusb-proxy/proxy"
	"github.com/MatthiasValvekens/serialusb-proxy/usb"
	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("port", "", "The serial port the adapter is connected to. Without it, matching devices are listed.")
	flag.Int("baudrate", protocol.DefaultBaudRate, "The baud rate of the serial port.")
	flag.String("vendor", "", "Only consider devices with this vendor ID (hex).")
	flag.String("product", "", "Only consider devices with this product ID (hex).")
	flag.String("device", "", "The bus id of the device to proxy, such as 1-1.2. Prompts for one when empty.")
	flag.String("target", allocator.ProfileAVR8, fmt.Sprintf("The endpoint layout of the adapter: %s, or a profile from the config file.", strings.Join(allocator.BuiltinProfiles(), ", ")))
	flag.Duration("handshake-timeout", proxy.DefaultHandshakeTimeout, "How long the adapter may take to accept the descriptors.")
	flag.Bool("priority", false, "Raise the scheduling priority of the process.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", "", "The address at which to listen for health and metrics. Disabled when empty.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/serialusb-proxy/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// getConfiguredTargets decodes the custom endpoint layouts of the config file.
func getConfiguredTargets() ([]allocator.ProfileSpec, error) {
	raw := viper.Get("targets")
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("failed to decode targets: unexpected type: %T", raw)
	}

	specs := make([]allocator.ProfileSpec, len(list))
	for i, def := range list {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:  &specs[i],
			TagName: "json",
		})
		if err != nil {
			return nil, err
		}

		if err := decoder.Decode(def); err != nil {
			return nil, fmt.Errorf("failed to decode target %q: %w", def, err)
		}
	}
	return specs, nil
}

func getTarget() (allocator.Set, error) {
	custom, err := getConfiguredTargets()
	if err != nil {
		return allocator.Set{}, err
	}
	return allocator.ResolveProfile(viper.GetString("target"), custom)
}

// parseID reads a hexadecimal vendor or product ID, with or without 0x.
// An empty string matches any device.
func parseID(key string) (usb.ID, error) {
	s := strings.TrimPrefix(strings.ToLower(viper.GetString(key)), "0x")
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s %q: %w", key, viper.GetString(key), err)
	}
	return usb.ID(id), nil
}
