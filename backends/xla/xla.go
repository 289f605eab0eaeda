// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xla implements the XLA/PJRT (https://openxla.org/) based backend.
//
// Each convolution is compiled as a small StableHLO program, and executed on the first addressable
// device of the PJRT plugin. The candidate algorithms differ on the precision of the convolution
// and on the layout it's computed in.
//
// Simply import it with import _ "github.com/gomlx/convpicker/backends/xla" to make it available in your program.
// It will register itself as an available backend during initialization.
package xla

import (
	"maps"
	"slices"
	"sync"

	"github.com/gomlx/convpicker/backends"
	"github.com/gomlx/convpicker/types"
	"github.com/gomlx/gopjrt/pjrt"
	"github.com/pkg/errors"
)

// BackendName to be used in CONVPICKER_BACKEND to specify this backend.
const BackendName = "xla"

// New returns a new Backend using the config as a configuration.
// The config string should be the name of the PJRT plugin to use.
func New(pluginName string) (backends.Backend, error) {
	return NewWithOptions(pluginName, nil)
}

// NewWithOptions creates a XlaBackend with the given client options.
// It allows more control, not available with the default New constructor.
func NewWithOptions(pluginName string, options pjrt.NamedValuesMap) (*Backend, error) {
	plugins := GetAvailablePlugins()
	if len(plugins) == 0 {
		return nil, errors.Errorf("no plugins found for backend %q -- either use the absolute "+
			"path to the pluginName as the configuration or set PJRT_PLUGIN_LIBRARY_PATH to the path where to search for "+
			"PJRT plugins", BackendName)
	}
	if pluginName == "" {
		pluginName = plugins[0]
	} else if slices.Index(plugins, pluginName) == -1 {
		return nil, errors.Errorf("plugin %q for backend %q not found: available plugins found %q", pluginName, BackendName, plugins)
	}

	plugin, err := pjrt.GetPlugin(pluginName)
	if err != nil {
		return nil, errors.WithMessagef(err, "backend %q:", BackendName)
	}
	client, err := plugin.NewClient(options)
	if err != nil {
		return nil, errors.WithMessagef(err, "backend %q:", BackendName)
	}
	return newBackend(plugin, client, pluginName)
}

// Registers New() as the default constructor for "xla" backend.
func init() {
	backends.Register(BackendName, New)
}

var (
	// DefaultPlugins is the list of plugins to use in preference order, if not otherwise specified.
	DefaultPlugins = []string{"cuda", "cpu"}

	// availablePluginsList are the keys to pjrt.AvailablePlugins sorted by DefaultPlugins.
	availablePluginsList []string
	availablePluginsOnce sync.Once
)

// GetAvailablePlugins lists the available platforms -- it caches and reuses the result in future calls.
//
// Plugins are searched in the PJRT_PLUGIN_LIBRARY_PATH directory -- or directories, if it is a ":" separated list.
// If it is not set it will search in "/usr/local/lib/gomlx/pjrt" and the standard libraries directories of the
// system (in linux in LD_LIBRARY_PATH and /etc/ld.so.conf file) in that order.
//
// See details in pjrt.AvailablePlugins.
func GetAvailablePlugins() []string {
	availablePluginsOnce.Do(func() {
		pluginNames := types.SetWith(slices.Collect(maps.Keys(pjrt.AvailablePlugins()))...)

		// Add DefaultPlugins first.
		for _, pluginName := range DefaultPlugins {
			if pluginNames.Has(pluginName) {
				availablePluginsList = append(availablePluginsList, pluginName)
				delete(pluginNames, pluginName)
			}
		}

		// Add the other plugins sorted.
		availablePluginsList = append(availablePluginsList, types.SortedKeys(pluginNames)...)
	})
	return availablePluginsList
}
